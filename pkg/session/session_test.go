package session

import (
	"strings"
	"testing"
	"time"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// toyServer is a minimal single-drone stand-in for a ServiceHost, enough to
// exercise ServerSession end to end without the full host/router machinery.
type toyServer struct {
	bc             *bus.BrokerClient
	self           jid.JID
	sessions       map[string]*ServerSession
	methods        map[string]func(params []interface{}) (interface{}, error)
	stop           chan struct{}
	maxChunkSize   int
	maxBundleCount int
}

func newToyServer(bc *bus.BrokerClient, self jid.JID) *toyServer {
	return &toyServer{
		bc:       bc,
		self:     self,
		sessions: make(map[string]*ServerSession),
		methods:  make(map[string]func([]interface{}) (interface{}, error)),
		stop:     make(chan struct{}),
	}
}

func (t *toyServer) handle(name string, f func([]interface{}) (interface{}, error)) {
	t.methods[name] = f
}

func (t *toyServer) run() {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		env, ok, err := t.bc.Recv(50 * time.Millisecond)
		if err != nil || !ok {
			continue
		}
		sess, known := t.sessions[env.Thread]
		if !known {
			if len(env.Body) == 0 || !CanStartSession(env.Body[0]) {
				continue
			}
			stateless := env.Body[0].Type != "CONNECT"
			sess = NewServer(t.bc, t.self, env.Thread, stateless)
			t.sessions[env.Thread] = sess
		}
		sess.Dispatch(env, false, func(req *Request) {
			req.MaxChunkSize = t.maxChunkSize
			req.MaxBundleCount = t.maxBundleCount
			f, ok := t.methods[req.Method]
			if !ok {
				sess.Fail(req, 404, "method not found")
				return
			}
			v, err := f(req.Params)
			if err != nil {
				sess.Fail(req, 500, err.Error())
				return
			}
			sess.Respond(req, v)
			sess.Complete(req)
		})
	}
}

func TestStatelessEcho(t *testing.T) {
	hub := bus.NewHub()
	clientBC := bus.NewBrokerClient(hub, 0)
	serverBC := bus.NewBrokerClient(hub, 0)
	clientJID := mustAddr(t, clientBC, "opensrf", "d", "client1")
	serverJID := mustAddr(t, serverBC, "opensrf", "d", "simple-text")

	srv := newToyServer(serverBC, serverJID)
	srv.handle("opensrf.simple-text.reverse", func(params []interface{}) (interface{}, error) {
		s := params[0].(string)
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
	go srv.run()
	defer close(srv.stop)

	cs := NewClient(clientBC, clientJID, serverJID, true, "", "", "")
	req, err := cs.Request("opensrf.simple-text.reverse", []interface{}{"foo"}, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	v, err := cs.Recv(req, time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if v != "oof" {
		t.Fatalf("got %v, want oof", v)
	}
	if _, err := cs.Recv(req, time.Second); err != ErrRequestComplete {
		t.Fatalf("second Recv = %v, want ErrRequestComplete", err)
	}
	if cs.State() != StateDisconnected {
		t.Errorf("stateless session state = %v, want DISCONNECTED", cs.State())
	}
}

func TestStatefulAddThenSub(t *testing.T) {
	hub := bus.NewHub()
	clientBC := bus.NewBrokerClient(hub, 0)
	serverBC := bus.NewBrokerClient(hub, 0)
	clientJID := mustAddr(t, clientBC, "opensrf", "d", "client1")
	serverJID := mustAddr(t, serverBC, "opensrf", "d", "math")

	srv := newToyServer(serverBC, serverJID)
	srv.handle("add", func(p []interface{}) (interface{}, error) { return p[0].(float64) + p[1].(float64), nil })
	srv.handle("sub", func(p []interface{}) (interface{}, error) { return p[0].(float64) - p[1].(float64), nil })
	go srv.run()
	defer close(srv.stop)

	cs := NewClient(clientBC, clientJID, serverJID, false, "", "", "")
	if err := cs.Connect(time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if cs.State() != StateConnected {
		t.Fatalf("state = %v", cs.State())
	}
	firstRemote := cs.RemoteID()

	req1, err := cs.Request("add", []interface{}{2.0, 2.0}, time.Second)
	if err != nil {
		t.Fatalf("Request add: %v", err)
	}
	v1, err := cs.Recv(req1, time.Second)
	if err != nil {
		t.Fatalf("Recv add: %v", err)
	}
	if v1 != 4.0 {
		t.Fatalf("add = %v", v1)
	}

	req2, err := cs.Request("sub", []interface{}{5.0, 3.0}, time.Second)
	if err != nil {
		t.Fatalf("Request sub: %v", err)
	}
	v2, err := cs.Recv(req2, time.Second)
	if err != nil {
		t.Fatalf("Recv sub: %v", err)
	}
	if v2 != 2.0 {
		t.Fatalf("sub = %v", v2)
	}
	if cs.RemoteID().String() != firstRemote.String() {
		t.Errorf("remote_id changed across requests: %v -> %v", firstRemote, cs.RemoteID())
	}

	if err := cs.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if cs.State() != StateDisconnected {
		t.Errorf("state after Disconnect = %v", cs.State())
	}
}

func TestChunkedLargeResult(t *testing.T) {
	hub := bus.NewHub()
	clientBC := bus.NewBrokerClient(hub, 0)
	serverBC := bus.NewBrokerClient(hub, 0)
	clientJID := mustAddr(t, clientBC, "opensrf", "d", "client1")
	serverJID := mustAddr(t, serverBC, "opensrf", "d", "blob")

	big := strings.Repeat(`say "hi" & bye `, 400) // lots of '"' and '&' to exercise the escape-inflation estimate
	srv := newToyServer(serverBC, serverJID)
	srv.maxChunkSize = 1024
	srv.handle("blob.get", func(p []interface{}) (interface{}, error) { return big, nil })
	go srv.run()
	defer close(srv.stop)

	cs := NewClient(clientBC, clientJID, serverJID, true, "", "", "")
	req, err := cs.Request("blob.get", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	v, err := cs.Recv(req, 2*time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if v != big {
		t.Fatalf("reassembled value mismatched (len got %d want %d)", len(v.(string)), len(big))
	}
}

// fakeTransport records every envelope handed to Send, for assertions that
// don't need a live broker round trip.
type fakeTransport struct {
	sent []envelope.Envelope
}

func (f *fakeTransport) Send(e envelope.Envelope) error {
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Recv(time.Duration) (envelope.Envelope, bool, error) {
	return envelope.Envelope{}, false, nil
}

func TestBundlingFlushesAsOneEnvelope(t *testing.T) {
	ft := &fakeTransport{}
	clientJID := jid.JID{User: "opensrf", Domain: "d", Resource: "client1"}
	serverJID := jid.JID{User: "opensrf", Domain: "d", Resource: "bundled"}

	s := NewServer(ft, serverJID, "thread-1", true)
	s.setRemoteID(clientJID)
	req := newRequest(1, "stream.n", nil, 0)
	req.MaxBundleCount = 3

	for i := 0; i < 3; i++ {
		if err := s.Respond(req, float64(i)); err != nil {
			t.Fatalf("Respond #%d: %v", i, err)
		}
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected exactly one envelope after the 3rd Respond flushed the bundle, got %d", len(ft.sent))
	}
	if len(ft.sent[0].Body) != 3 {
		t.Fatalf("expected 3 bundled RESULT PDUs, got %d", len(ft.sent[0].Body))
	}

	if err := s.Complete(req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("expected Complete to add exactly the terminal STATUS (no extra bundle flush), got %d envelopes", len(ft.sent))
	}
	if len(ft.sent[1].Body) != 1 || ft.sent[1].Body[0].Type != "STATUS" {
		t.Fatalf("expected a lone terminal STATUS envelope, got %+v", ft.sent[1])
	}
}

func TestChunkingBypassesBundling(t *testing.T) {
	ft := &fakeTransport{}
	serverJID := jid.JID{User: "opensrf", Domain: "d", Resource: "bundled"}
	clientJID := jid.JID{User: "opensrf", Domain: "d", Resource: "client1"}

	s := NewServer(ft, serverJID, "thread-1", true)
	s.setRemoteID(clientJID)
	req := newRequest(1, "blob.get", nil, 0)
	req.MaxBundleCount = 10
	req.MaxChunkSize = 8

	big := strings.Repeat("x", 40)
	if err := s.Respond(req, big); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected one envelope carrying the chunk sequence, got %d", len(ft.sent))
	}
	if len(ft.sent[0].Body) < 2 {
		t.Fatalf("expected multiple PARTIAL PDUs plus a PARTIAL_COMPLETE, got %d PDUs", len(ft.sent[0].Body))
	}
}

func mustAddr(t *testing.T, bc *bus.BrokerClient, user, domain, resource string) jid.JID {
	t.Helper()
	if err := bc.Connect(user, domain, 0, "", resource, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return bc.JID()
}

func TestDispatchMangledOnRemoteIDMismatchWithoutMigration(t *testing.T) {
	ft := &fakeTransport{}
	serverJID := jid.JID{User: "opensrf", Domain: "d", Resource: "bundled"}
	clientJID := jid.JID{User: "opensrf", Domain: "d", Resource: "client1"}
	otherJID := jid.JID{User: "opensrf", Domain: "d", Resource: "client2"}

	s := NewServer(ft, serverJID, "thread-1", false)
	s.setRemoteID(clientJID)
	s.setState(StateConnected)

	called := false
	env := envelope.Envelope{From: otherJID, Thread: "thread-1", Body: []message.Message{message.NewRequest(1, "add", nil)}}
	s.Dispatch(env, false, func(req *Request) { called = true })

	if called {
		t.Fatalf("handler should not run on a rejected remote_id mismatch")
	}
	if !s.TornDown() {
		t.Fatalf("expected session to be torn down after a mangled dispatch")
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected exactly one STATUS envelope, got %d", len(ft.sent))
	}
	sp := ft.sent[0].Body[0].Payload.(message.StatusPayload)
	if sp.StatusCode != message.StatusExpFailed {
		t.Fatalf("expected STATUS %d (mangled session), got %d", message.StatusExpFailed, sp.StatusCode)
	}
}

func TestServerRequestContextPropagatesToDownstreamClient(t *testing.T) {
	hub := bus.NewHub()
	clientBC := bus.NewBrokerClient(hub, 0)
	serverBC := bus.NewBrokerClient(hub, 0)
	downstreamBC := bus.NewBrokerClient(hub, 0)
	relayBC := bus.NewBrokerClient(hub, 0)
	clientJID := mustAddr(t, clientBC, "opensrf", "d", "client1")
	serverJID := mustAddr(t, serverBC, "opensrf", "d", "gateway")
	downstreamJID := mustAddr(t, downstreamBC, "opensrf", "d", "backend")
	relayJID := mustAddr(t, relayBC, "opensrf", "d", "gateway-relay")

	downstream := newToyServer(downstreamBC, downstreamJID)
	downstream.handle("backend.echo", func(p []interface{}) (interface{}, error) { return "ok", nil })
	go downstream.run()
	defer close(downstream.stop)

	var propagated RequestContext
	srv := newToyServer(serverBC, serverJID)
	srv.handle("gateway.relay", func(p []interface{}) (interface{}, error) {
		rc := srv.sessions["thread-relay"].RequestContext()
		dc := NewClient(relayBC, relayJID, downstreamJID, true, rc.Locale, rc.TZ, "")
		dc.SetIngress(rc.Ingress)
		req, err := dc.Request("backend.echo", nil, time.Second)
		if err != nil {
			return nil, err
		}
		v, err := dc.Recv(req, time.Second)
		if err != nil {
			return nil, err
		}
		propagated = rc
		return v, nil
	})
	go srv.run()
	defer close(srv.stop)

	cs := NewClient(clientBC, clientJID, serverJID, true, "en-US", "America/New_York", "")
	cs.SetIngress("opensrf.gateway")
	// force a known thread so the handler above can reach its own ServerSession
	cs.thread = "thread-relay"

	if _, err := cs.Request("gateway.relay", nil, time.Second); err != nil {
		t.Fatalf("Request: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if propagated.Locale != "en-US" || propagated.TZ != "America/New_York" || propagated.Ingress != "opensrf.gateway" {
		t.Fatalf("ServerSession.RequestContext() did not capture inbound locale/tz/ingress: %+v", propagated)
	}
}
