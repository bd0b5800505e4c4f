package session

import (
	"time"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// DefaultConnectTimeout is the default time a CONNECT waits for STATUS OK
// (spec.md §4.4).
const DefaultConnectTimeout = 5 * time.Second

// ClientSession is the client-role half of the Session state machine
// (spec.md §4.4). It is created by application code and persists until
// explicit Close or process exit.
type ClientSession struct {
	base

	transport Transport
	self      jid.JID
	// serviceAddr is the router's per-class login address
	// (<router_user>@<domain>/<class>); first-contact messages (CONNECT,
	// or REQUEST on a stateless/disconnected session) are always sent
	// here, exactly as spec.md §4.5 describes the class's own address.
	serviceAddr jid.JID
}

// NewClient creates a client-role Session addressed at serviceAddr. ingress
// should be the inbound request's ingress (from ServerSession.RequestContext)
// when this client is issuing a downstream request on behalf of one being
// handled (spec.md §4.3); pass "" for a top-level client with none to
// propagate. It can be changed later with SetIngress.
func NewClient(transport Transport, self, serviceAddr jid.JID, stateless bool, locale, tz, ingress string) *ClientSession {
	return &ClientSession{
		base:        newBase(EndpointClient, stateless, locale, tz, ingress),
		transport:   transport,
		self:        self,
		serviceAddr: serviceAddr,
	}
}

// SetIngress updates the ingress value stamped onto this session's outbound
// messages. A server-side handler that only learns what to propagate after
// construction (e.g. per-request, from its own ServerSession.RequestContext)
// calls this before issuing the downstream request.
func (c *ClientSession) SetIngress(ingress string) {
	c.mu.Lock()
	c.ingress = ingress
	c.mu.Unlock()
}

func (c *ClientSession) dest() jid.JID {
	if c.State() == StateConnected {
		return c.RemoteID()
	}
	return c.serviceAddr
}

func (c *ClientSession) send(msgs ...message.Message) error {
	for i := range msgs {
		msgs[i].Locale = c.locale
		msgs[i].TZ = c.tz
		msgs[i].Ingress = c.ingress
	}
	return c.transport.Send(envelope.Envelope{
		To:     c.dest(),
		From:   c.self,
		Thread: c.thread,
		Body:   msgs,
	})
}

// Connect sends CONNECT and blocks up to timeout (<=0 selects
// DefaultConnectTimeout) for STATUS OK. Stateless sessions cannot connect.
func (c *ClientSession) Connect(timeout time.Duration) error {
	if c.stateless {
		return verror.New(ErrStatelessConnect, nil)
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	trace := c.nextThreadTrace()
	req := newRequest(trace, "", nil, timeout)
	c.putRequest(req)
	c.setState(StateConnecting)

	if err := c.send(message.NewConnect(trace)); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.setState(StateDisconnected)
			return verror.New(ErrConnectTimeout, nil)
		}
		env, ok, err := c.transport.Recv(remaining)
		if err != nil {
			c.setState(StateDisconnected)
			return err
		}
		if !ok {
			c.setState(StateDisconnected)
			return verror.New(ErrConnectTimeout, nil)
		}
		if env.Thread != c.thread {
			continue
		}
		if env.IsError {
			c.setState(StateDisconnected)
			return &MethodError{ErrType: env.ErrType, Code: message.StatusCode(env.ErrCode)}
		}
		for _, m := range env.Body {
			if m.ThreadTrace != trace || m.Type != message.TypeStatus {
				continue
			}
			sp := m.Payload.(message.StatusPayload)
			if sp.StatusCode == message.StatusOK {
				c.setState(StateConnected)
				c.setRemoteID(env.From)
				req.markComplete()
				return nil
			}
		}
	}
}

// Disconnect sends DISCONNECT and returns the session to DISCONNECTED.
func (c *ClientSession) Disconnect() error {
	if c.State() != StateConnected {
		c.setState(StateDisconnected)
		return nil
	}
	trace := c.nextThreadTrace()
	err := c.send(message.NewDisconnect(trace))
	c.setState(StateDisconnected)
	c.setRemoteID(jid.JID{})
	return err
}

// Reset clears remote_id and returns the session to DISCONNECTED, as
// required after STATUS 307/408/417 (spec.md §7): the caller must then
// Connect again (if stateful) and resend the in-flight request.
func (c *ClientSession) Reset() {
	c.setState(StateDisconnected)
	c.setRemoteID(jid.JID{})
}

// Request sends a REQUEST and returns a handle for reading the response
// stream via Recv. On a stateless session it is sent directly to the
// service address; on a CONNECTED session it goes to remote_id.
func (c *ClientSession) Request(method string, params []interface{}, recvTimeout time.Duration) (*Request, error) {
	if !c.stateless && c.State() != StateConnected {
		return nil, verror.New(ErrNotConnected, nil)
	}
	trace := c.nextThreadTrace()
	req := newRequest(trace, method, params, recvTimeout)
	c.putRequest(req)
	if err := c.send(message.NewRequest(trace, method, params)); err != nil {
		req.markFailed(err)
		return req, err
	}
	return req, nil
}

// Recv returns the next value in req's response stream, blocking up to
// req's configured receive timeout (refreshed on every CONTINUE). It
// returns ErrRequestComplete once the terminal STATUS COMPLETE has been
// consumed and no further values are queued.
func (c *ClientSession) Recv(req *Request, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = req.recvTimeout
	}
	if v, ok := req.dequeue(); ok {
		return v, nil
	}
	if req.Complete {
		if req.Failed != nil {
			return nil, req.Failed
		}
		return nil, ErrRequestComplete
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, verror.New(ErrSessionTimeout, nil)
		}
		env, ok, err := c.transport.Recv(remaining)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, verror.New(ErrSessionTimeout, nil)
		}
		if env.Thread != c.thread {
			continue
		}
		if env.IsError {
			merr := &MethodError{ErrType: env.ErrType, Code: message.StatusCode(env.ErrCode)}
			for _, r := range c.openRequests() {
				r.markFailed(merr)
			}
			return nil, merr
		}
		c.dispatchInbound(env)
		if v, ok := req.dequeue(); ok {
			return v, nil
		}
		if req.Complete {
			if req.Failed != nil {
				return nil, req.Failed
			}
			return nil, ErrRequestComplete
		}
		if resetCode, reset := statusResets(env); reset {
			_ = resetCode
			deadline = time.Now().Add(timeout)
		}
	}
}

// statusResets reports whether env carried a CONTINUE, which resets the
// caller's remaining receive timeout to its original value (spec.md §4.4).
func statusResets(env envelope.Envelope) (message.StatusCode, bool) {
	for _, m := range env.Body {
		if m.Type == message.TypeStatus {
			sp := m.Payload.(message.StatusPayload)
			if sp.StatusCode == message.StatusContinue {
				return sp.StatusCode, true
			}
		}
	}
	return 0, false
}

// dispatchInbound demuxes the PDUs of an inbound envelope addressed to this
// session's thread into the right Request's queue/state.
func (c *ClientSession) dispatchInbound(env envelope.Envelope) {
	for _, m := range env.Body {
		req, ok := c.getRequest(m.ThreadTrace)
		if !ok {
			// Unknown threadTrace within a known thread: nothing is
			// listening for it any more, drop it.
			continue
		}
		if req.Complete && req.Failed == nil {
			// PDUs received after COMPLETE on this threadTrace are
			// dropped (spec.md §8 invariant 4).
			continue
		}
		switch m.Type {
		case message.TypeResult:
			c.dispatchResult(req, m.Payload.(message.ResultPayload))
		case message.TypeStatus:
			c.dispatchStatus(req, m.Payload.(message.StatusPayload), env.From)
		default:
			vlog.VI(2).Infof("session: client dropping unexpected PDU type %v on thread %s", m.Type, c.thread)
		}
	}
}

func (c *ClientSession) dispatchResult(req *Request, p message.ResultPayload) {
	switch p.Kind {
	case message.ContentFull:
		req.enqueue(p.Content)
	case message.ContentPartial:
		req.appendPartial(p.Content.(string))
	case message.ContentPartialComplete:
		buf := req.drainPartial()
		v, err := reassemble(buf)
		if err != nil {
			req.markFailed(err)
			return
		}
		req.enqueue(v)
	}
}

func (c *ClientSession) dispatchStatus(req *Request, p message.StatusPayload, from jid.JID) {
	switch p.StatusCode {
	case message.StatusContinue:
		// handled by the caller resetting its deadline.
	case message.StatusComplete:
		req.markComplete()
	case message.StatusRedirected:
		c.Reset()
		req.markFailed(verror.New(ErrRedirected, nil))
	case message.StatusTimeout:
		c.Reset()
		req.markFailed(verror.New(ErrSessionTimeout, nil))
	case message.StatusExpFailed:
		c.Reset()
		req.markFailed(verror.New(ErrExpFailed, nil))
	case message.StatusNotFound, message.StatusInternal:
		req.markFailed(&MethodError{Code: p.StatusCode, Message: p.Status})
	default:
		if p.StatusCode.IsMethodError() {
			req.markFailed(&MethodError{Code: p.StatusCode, Message: p.Status})
		}
	}
}
