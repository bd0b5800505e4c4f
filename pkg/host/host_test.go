package host

import (
	"testing"
	"time"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

const testDomain = "private.localhost"

func echoMethod(params []interface{}) (interface{}, error) {
	return "ok", nil
}

func newTestHost(t *testing.T, hub *bus.Hub, policy Policy) *ServiceHost {
	t.Helper()
	h := New(hub, testDomain, "opensrf", "", 0, "svc.echo", policy, map[string]MethodHandler{
		"some.method": echoMethod,
	})
	if err := h.Start(time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go h.Run()
	t.Cleanup(h.Shutdown)
	return h
}

func sendFirstContact(t *testing.T, hub *bus.Hub, self jid.JID, thread string, connect bool) *bus.BrokerClient {
	t.Helper()
	bc := bus.NewBrokerClient(hub, 0)
	if err := bc.Connect("opensrf", testDomain, 0, "", "client-"+thread, time.Second); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	var m message.Message
	if connect {
		m = message.NewConnect(1)
	} else {
		m = message.NewRequest(1, "some.method", nil)
	}
	if err := bc.Send(envelope.Envelope{To: self, From: bc.JID(), Thread: thread, Body: []message.Message{m}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	return bc
}

func TestIdleTickSpawnsUpToMinSpare(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 0, MaxChildren: 5, MinSpare: 2, MaxSpare: 4})
	time.Sleep(150 * time.Millisecond)
	if n := len(h.idle); n < 2 {
		t.Fatalf("expected idle maintenance to spawn up to min_spare=2, got %d idle drones", n)
	}
}

func TestIdleTickKillsDownToMaxSpare(t *testing.T) {
	hub := bus.NewHub()
	// Start warms min_children=3 drones; min_children is then lowered to 1
	// before Run, since the idle tick never culls below min_children.
	h := New(hub, testDomain, "opensrf", "", 0, "svc.echo", Policy{MinChildren: 3, MaxChildren: 5, MinSpare: 0, MaxSpare: 1}, map[string]MethodHandler{
		"some.method": echoMethod,
	})
	if err := h.Start(time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.policy.MinChildren = 1
	go h.Run()
	t.Cleanup(h.Shutdown)
	time.Sleep(200 * time.Millisecond)
	if n := len(h.idle); n > 1 {
		t.Fatalf("expected idle maintenance to cull down to max_spare=1, got %d idle drones", n)
	}
}

func TestDispatchReusesIdleDrone(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 1, MaxChildren: 2, MinSpare: 1, MaxSpare: 2})
	time.Sleep(100 * time.Millisecond)

	clientBC := sendFirstContact(t, hub, h.Self(), "t1", false)
	env, ok, err := clientBC.Recv(time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv: ok=%v err=%v", ok, err)
	}
	foundResult := false
	for _, m := range env.Body {
		if m.Type == message.TypeResult {
			foundResult = true
		}
	}
	if !foundResult {
		t.Fatalf("expected a RESULT PDU among %+v", env.Body)
	}
}

func TestDispatchSpawnsUnderMaxChildren(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 0, MaxChildren: 3, MinSpare: 0, MaxSpare: 0})

	clientBC := sendFirstContact(t, hub, h.Self(), "t1", false)
	if _, ok, err := clientBC.Recv(time.Second); err != nil || !ok {
		t.Fatalf("Recv: ok=%v err=%v", ok, err)
	}
	if h.total() == 0 {
		t.Fatalf("expected dispatch to spawn a fresh drone under max_children")
	}
}

func TestMaxRequestsRecyclesDrone(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 0, MaxChildren: 1, MinSpare: 0, MaxSpare: 0, MaxRequests: 1})

	clientBC := sendFirstContact(t, hub, h.Self(), "t1", false)
	if _, ok, err := clientBC.Recv(time.Second); err != nil || !ok {
		t.Fatalf("Recv round 1: ok=%v err=%v", ok, err)
	}
	time.Sleep(100 * time.Millisecond)

	h.drainReady()
	if len(h.idle) != 0 {
		t.Fatalf("expected the single-request drone to recycle rather than go idle, idle=%d", len(h.idle))
	}
}

func TestKeepaliveExpiresConnectedSession(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 0, MaxChildren: 1, MinSpare: 0, MaxSpare: 0, KeepaliveSecs: 1})

	clientBC := sendFirstContact(t, hub, h.Self(), "t1", true)
	env, ok, err := clientBC.Recv(time.Second)
	if err != nil || !ok {
		t.Fatalf("CONNECT ack Recv: ok=%v err=%v", ok, err)
	}
	sp := env.Body[0].Payload.(message.StatusPayload)
	if sp.StatusCode != message.StatusOK {
		t.Fatalf("expected STATUS OK ack for CONNECT, got %+v", sp)
	}

	env, ok, err = clientBC.Recv(3 * time.Second)
	if err != nil || !ok {
		t.Fatalf("keepalive timeout Recv: ok=%v err=%v", ok, err)
	}
	sp = env.Body[0].Payload.(message.StatusPayload)
	if sp.StatusCode != message.StatusTimeout {
		t.Fatalf("expected STATUS TIMEOUT, got %+v", sp)
	}
}

func TestIntrospectionReportsDroneStats(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 1, MaxChildren: 5, MinSpare: 1, MaxSpare: 2})
	time.Sleep(100 * time.Millisecond)

	bc := bus.NewBrokerClient(hub, 0)
	if err := bc.Connect("opensrf", testDomain, 0, "", "introspector", time.Second); err != nil {
		t.Fatalf("introspector connect: %v", err)
	}
	req := message.NewRequest(1, introspectDroneStats, nil)
	if err := bc.Send(envelope.Envelope{To: h.Self(), From: bc.JID(), Thread: "q", Body: []message.Message{req}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, ok, err := bc.Recv(time.Second)
	if err != nil || !ok {
		t.Fatalf("Recv: ok=%v err=%v", ok, err)
	}
	var stats map[string]interface{}
	for _, m := range env.Body {
		if m.Type == message.TypeResult {
			stats = m.Payload.(message.ResultPayload).Content.(map[string]interface{})
		}
	}
	if stats == nil {
		t.Fatalf("no RESULT PDU in %+v", env.Body)
	}
	if int(stats["max"].(float64)) != 5 {
		t.Errorf("max = %v, want 5", stats["max"])
	}
	if int(stats["total"].(float64)) < 1 {
		t.Errorf("total = %v, want >= 1", stats["total"])
	}
	if h.total() != 1 {
		t.Errorf("introspection request should not have spawned/consumed a drone, total = %d", h.total())
	}
}

func TestGracefulShutdownDrainsAllDrones(t *testing.T) {
	hub := bus.NewHub()
	h := newTestHost(t, hub, Policy{MinChildren: 2, MaxChildren: 2, MinSpare: 2, MaxSpare: 2})
	time.Sleep(100 * time.Millisecond)

	all := append([]*drone{}, h.idle...)
	h.Shutdown()
	time.Sleep(200 * time.Millisecond)

	for _, d := range all {
		if !d.exited.Load() {
			t.Fatalf("expected drone %s to have exited after shutdown", d.id)
		}
	}
}
