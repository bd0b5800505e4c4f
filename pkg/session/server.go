package session

import (
	"encoding/json"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// CanStartSession reports whether m is a permitted first PDU for a brand
// new SERVER session (spec.md §4.4): REQUEST (stateless or one-shot) or
// CONNECT (stateful). STATUS or RESULT on an unknown thread must not spawn
// a session — callers check this before calling NewServer.
func CanStartSession(m message.Message) bool {
	return m.Type == message.TypeRequest || m.Type == message.TypeConnect
}

// ServerSession is the server-role half of the Session state machine
// (spec.md §4.4), instantiated by a ServiceHost drone on receipt of an
// inbound PDU bearing a previously unseen thread.
type ServerSession struct {
	base

	transport Transport
	self      jid.JID
	torndown  bool
}

// NewServer creates a server-role Session bound to thread, replying as self.
func NewServer(transport Transport, self jid.JID, thread string, stateless bool) *ServerSession {
	b := newBase(EndpointServer, stateless, "", "", "")
	b.thread = thread
	return &ServerSession{base: b, transport: transport, self: self}
}

// TornDown reports whether DISCONNECT, an error envelope, or a keepalive
// timeout has ended this session.
func (s *ServerSession) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torndown
}

func replyAddress(env envelope.Envelope) jid.JID {
	if !env.RouterFrom.IsZero() {
		return env.RouterFrom
	}
	return env.From
}

// Dispatch processes one inbound envelope's PDUs in order against handler,
// which is invoked once per REQUEST PDU with the new Request. Migratable
// remote-id changes (spec.md §9 Open Questions) are accepted and logged
// when allowMigration is true; otherwise a REQUEST/CONNECT arriving from an
// address other than the session's established remote_id is rejected with
// STATUS 417 (mangled session).
func (s *ServerSession) Dispatch(env envelope.Envelope, allowMigration bool, handler func(req *Request)) {
	from := replyAddress(env)
	if env.IsError {
		vlog.Infof("session: server %s tearing down on error envelope from %s", s.thread, from)
		s.teardown()
		return
	}
	for _, m := range env.Body {
		s.dispatchOne(m, from, allowMigration, handler)
	}
}

func (s *ServerSession) dispatchOne(m message.Message, from jid.JID, allowMigration bool, handler func(req *Request)) {
	s.mu.Lock()
	established := !s.remoteID.IsZero()
	mismatch := established && s.remoteID.String() != from.String()
	s.mu.Unlock()

	if mismatch {
		if allowMigration {
			vlog.Infof("session: %s migrating remote_id %s -> %s", s.thread, s.remoteID, from)
			s.setRemoteID(from)
		} else {
			_ = s.Mangled(m.ThreadTrace, from)
			return
		}
	}

	s.locale, s.tz, s.ingress, s.apiLevel = m.Locale, m.TZ, m.Ingress, m.APILevel

	switch m.Type {
	case message.TypeConnect:
		if s.stateless {
			s.sendStatus(m.ThreadTrace, from, message.StatusExpFailed, "stateless service cannot CONNECT")
			s.teardown()
			return
		}
		s.setRemoteID(from)
		s.setState(StateConnected)
		s.sendStatus(m.ThreadTrace, from, message.StatusOK, "OK")
	case message.TypeRequest:
		s.setRemoteID(from)
		p := m.Payload.(message.RequestPayload)
		req := newRequest(m.ThreadTrace, p.Method, p.Params, 0)
		s.putRequest(req)
		s.requestsServed++
		handler(req)
	case message.TypeDisconnect:
		s.teardown()
	default:
		vlog.VI(2).Infof("session: server %s dropping unexpected PDU type %v", s.thread, m.Type)
	}
}

func (s *ServerSession) teardown() {
	s.mu.Lock()
	s.torndown = true
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *ServerSession) sendStatus(trace int, to jid.JID, code message.StatusCode, status string) {
	msg := message.NewStatus(trace, code, status)
	msg.Locale, msg.TZ, msg.Ingress = s.locale, s.tz, s.ingress
	if err := s.transport.Send(envelope.Envelope{To: to, From: s.self, Thread: s.thread, Body: []message.Message{msg}}); err != nil {
		vlog.Errorf("session: server %s failed to send STATUS %d: %v", s.thread, code, err)
	}
}

// Respond emits a RESULT for req, bundling or chunking it per req's
// configuration (spec.md §4.4). The caller must eventually call Complete
// (or Fail) to terminate req's response stream.
func (s *ServerSession) Respond(req *Request, value interface{}) error {
	to := s.RemoteID()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if req.MaxChunkSize > 0 && len(raw) > req.MaxChunkSize {
		if err := s.flushBundle(req, to); err != nil {
			return err
		}
		return s.sendChunked(req, to, string(raw))
	}
	resultJSON := string(raw)
	if req.MaxBundleSize > 0 || req.MaxBundleCount > 0 {
		return s.addToBundle(req, to, resultJSON)
	}
	return s.sendOne(req, to, message.NewResult(req.ThreadTrace, value))
}

func (s *ServerSession) sendOne(req *Request, to jid.JID, m message.Message) error {
	m.Locale, m.TZ, m.Ingress, m.APILevel = s.locale, s.tz, s.ingress, s.apiLevel
	return s.transport.Send(envelope.Envelope{To: to, From: s.self, Thread: s.thread, Body: []message.Message{m}})
}

func (s *ServerSession) sendChunked(req *Request, to jid.JID, raw string) error {
	chunks := splitChunks(req.ThreadTrace, raw, req.MaxChunkSize)
	for i := range chunks {
		chunks[i].Locale, chunks[i].TZ, chunks[i].Ingress = s.locale, s.tz, s.ingress
	}
	return s.transport.Send(envelope.Envelope{To: to, From: s.self, Thread: s.thread, Body: chunks})
}

func (s *ServerSession) addToBundle(req *Request, to jid.JID, resultJSON string) error {
	req.mu.Lock()
	req.pendingBundle = append(req.pendingBundle, bundledResult{threadTrace: req.ThreadTrace, json: resultJSON})
	req.pendingBundleSize += len(resultJSON)
	flush := (req.MaxBundleCount > 0 && len(req.pendingBundle) >= req.MaxBundleCount) ||
		(req.MaxBundleSize > 0 && req.pendingBundleSize >= req.MaxBundleSize)
	req.mu.Unlock()
	if flush {
		return s.flushBundle(req, to)
	}
	return nil
}

// flushBundle sends any accumulated RESULT PDUs for req in one envelope
// (spec.md §4.4 Bundling). It is also called just before the terminal
// STATUS, and before any chunked output (chunking bypasses bundling).
func (s *ServerSession) flushBundle(req *Request, to jid.JID) error {
	req.mu.Lock()
	pending := req.pendingBundle
	req.pendingBundle = nil
	req.pendingBundleSize = 0
	req.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	body := make([]message.Message, len(pending))
	for i, p := range pending {
		var v interface{}
		if err := json.Unmarshal([]byte(p.json), &v); err != nil {
			return err
		}
		m := message.NewResult(p.threadTrace, v)
		m.Locale, m.TZ, m.Ingress = s.locale, s.tz, s.ingress
		body[i] = m
	}
	return s.transport.Send(envelope.Envelope{To: to, From: s.self, Thread: s.thread, Body: body})
}

// Complete flushes any pending bundle then sends the terminal STATUS
// COMPLETE for req (spec.md §4.4).
func (s *ServerSession) Complete(req *Request) error {
	to := s.RemoteID()
	req.mu.Lock()
	req.completing = true
	req.mu.Unlock()
	if err := s.flushBundle(req, to); err != nil {
		return err
	}
	req.markComplete()
	return s.sendOne(req, to, message.NewStatus(req.ThreadTrace, message.StatusComplete, "Request Complete"))
}

// Fail sends a terminal method-error STATUS for req (spec.md §7: 404 method
// not found, 500 internal server error, or any other 4xx/5xx).
func (s *ServerSession) Fail(req *Request, code message.StatusCode, msg string) error {
	req.markFailed(&MethodError{Code: code, Message: msg})
	return s.sendOne(req, s.RemoteID(), message.NewStatus(req.ThreadTrace, code, msg))
}

// ExpireKeepalive sends STATUS TIMEOUT and tears the session down, for use
// by a ServiceHost drone when a CONNECTED session has sat idle longer than
// its configured keepalive_secs (spec.md §4.4 Cancellation and timeouts,
// §4.6 Drone worker loop).
func (s *ServerSession) ExpireKeepalive() error {
	to := s.RemoteID()
	s.sendStatus(0, to, message.StatusTimeout, "Session Timeout")
	s.teardown()
	return nil
}

// Mangled sends STATUS 417 and tears the session down (spec.md §7). Dispatch
// calls it when a PDU arrives from an address other than the session's
// established remote_id and migration is not allowed; a REQUEST that arrives
// before a stateful CONNECT is not detected as mangled anywhere in this
// package.
func (s *ServerSession) Mangled(trace int, to jid.JID) error {
	err := verror.New(ErrMangled, nil)
	s.sendStatus(trace, to, message.StatusExpFailed, "mangled session")
	s.teardown()
	return err
}
