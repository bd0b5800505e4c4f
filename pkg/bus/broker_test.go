package bus

import (
	"testing"
	"time"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

func mustConnect(t *testing.T, hub *Hub, user, domain, resource string) *BrokerClient {
	t.Helper()
	c := NewBrokerClient(hub, 0)
	if err := c.Connect(user, domain, 0, "", resource, time.Second); err != nil {
		t.Fatalf("Connect(%s/%s): %v", user, resource, err)
	}
	return c
}

func TestSendRecvOrdering(t *testing.T) {
	hub := NewHub()
	sender := mustConnect(t, hub, "opensrf", "d", "sender")
	recv := mustConnect(t, hub, "opensrf", "d", "recv")

	for i := 0; i < 5; i++ {
		e := envelope.Envelope{To: recv.JID(), From: sender.JID(), Thread: "t"}
		if err := sender.Send(e); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		env, ok, err := recv.Recv(time.Second)
		if err != nil || !ok {
			t.Fatalf("Recv #%d: ok=%v err=%v", i, ok, err)
		}
		if env.From.String() != sender.JID().String() {
			t.Errorf("From = %v", env.From)
		}
	}
}

func TestSendStampsPerDestinationSeq(t *testing.T) {
	hub := NewHub()
	sender := mustConnect(t, hub, "opensrf", "d", "sender")
	recvA := mustConnect(t, hub, "opensrf", "d", "a")
	recvB := mustConnect(t, hub, "opensrf", "d", "b")

	for i := 0; i < 3; i++ {
		if err := sender.Send(envelope.Envelope{To: recvA.JID(), From: sender.JID(), Thread: "a"}); err != nil {
			t.Fatalf("Send to A: %v", err)
		}
	}
	if err := sender.Send(envelope.Envelope{To: recvB.JID(), From: sender.JID(), Thread: "b"}); err != nil {
		t.Fatalf("Send to B: %v", err)
	}

	for i := uint64(0); i < 3; i++ {
		env, ok, err := recvA.Recv(time.Second)
		if err != nil || !ok {
			t.Fatalf("Recv A #%d: ok=%v err=%v", i, ok, err)
		}
		if env.Seq() != i {
			t.Errorf("A envelope #%d has Seq() = %d, want %d", i, env.Seq(), i)
		}
	}
	env, ok, err := recvB.Recv(time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv B: ok=%v err=%v", ok, err)
	}
	if env.Seq() != 0 {
		t.Errorf("B's first envelope has Seq() = %d, want 0 (per-destination counter)", env.Seq())
	}
}

func TestRecvTimeout(t *testing.T) {
	hub := NewHub()
	recv := mustConnect(t, hub, "opensrf", "d", "recv")
	start := time.Now()
	_, ok, err := recv.Recv(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ok {
		t.Fatalf("Recv returned ok=true on empty inbox")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Recv returned too early: %v", elapsed)
	}
}

func TestRecvPoll(t *testing.T) {
	hub := NewHub()
	recv := mustConnect(t, hub, "opensrf", "d", "recv")
	_, ok, err := recv.Recv(0)
	if err != nil || ok {
		t.Fatalf("Recv(0) on empty inbox: ok=%v err=%v", ok, err)
	}
}

func TestBounceOnUnknownRecipient(t *testing.T) {
	hub := NewHub()
	sender := mustConnect(t, hub, "opensrf", "d", "sender")
	ghost, _ := jid.Parse("opensrf@d/ghost")

	if err := sender.Send(envelope.Envelope{To: ghost, From: sender.JID(), Thread: "t1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env, ok, err := sender.Recv(time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv bounce: ok=%v err=%v", ok, err)
	}
	if !env.IsError {
		t.Fatalf("bounce envelope missing IsError")
	}
	if env.Thread != "t1" {
		t.Errorf("bounce Thread = %q", env.Thread)
	}
}

func TestKillTriggersBounce(t *testing.T) {
	hub := NewHub()
	sender := mustConnect(t, hub, "opensrf", "d", "sender")
	node := mustConnect(t, hub, "opensrf", "d", "node")

	hub.Kill(node.JID())

	if err := sender.Send(envelope.Envelope{To: node.JID(), From: sender.JID(), Thread: "t2"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env, ok, err := sender.Recv(time.Second)
	if err != nil || !ok || !env.IsError {
		t.Fatalf("expected bounce: ok=%v err=%v env=%+v", ok, err, env)
	}
}

func TestFlushDrainsWithoutDelivering(t *testing.T) {
	hub := NewHub()
	sender := mustConnect(t, hub, "opensrf", "d", "sender")
	recv := mustConnect(t, hub, "opensrf", "d", "recv")
	sender.Send(envelope.Envelope{To: recv.JID(), From: sender.JID(), Thread: "t"})
	recv.Flush()
	_, ok, _ := recv.Recv(0)
	if ok {
		t.Errorf("Recv after Flush should find nothing queued")
	}
}

func TestDisconnectRejectsFurtherSend(t *testing.T) {
	hub := NewHub()
	c := mustConnect(t, hub, "opensrf", "d", "c")
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Send(envelope.Envelope{}); err == nil {
		t.Errorf("Send after Disconnect should fail")
	}
}
