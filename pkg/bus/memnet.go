package bus

import (
	"sync"
	"time"

	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

// Hub is an in-process broker: a switchboard of addressed mailboxes used for
// colocated deployments and by this repository's own tests. It implements
// the same delivery and bounce semantics a real broker must (spec.md §4.1):
// FIFO per destination, and error stanzas for delivery to an address with no
// live connection.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*memConn
}

// NewHub returns an empty, ready-to-use in-process broker.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*memConn)}
}

const inboxCapacity = 4096

// memConn is a Hub-backed Conn.
type memConn struct {
	hub    *Hub
	self   jid.JID
	inbox  chan envelope.Envelope
	closed bool
	mu     sync.Mutex
}

var _ Dialer = (*Hub)(nil)
var _ Conn = (*memConn)(nil)

// Dial implements Dialer by registering a new mailbox under user@domain/resource.
func (h *Hub) Dial(user, domain string, port int, password, resource string, timeout time.Duration) (Conn, error) {
	self := jid.JID{User: user, Domain: domain, Resource: resource}
	c := &memConn{hub: h, self: self, inbox: make(chan envelope.Envelope, inboxCapacity)}
	h.mu.Lock()
	h.conns[self.String()] = c
	h.mu.Unlock()
	return c, nil
}

// Kill forcibly drops the connection registered at addr, as if its process
// had crashed or its network path had failed; the next send to addr bounces.
// Used by tests to exercise Router bounce recovery (spec.md §8 scenario 4/5).
func (h *Hub) Kill(addr jid.JID) {
	h.mu.Lock()
	c, ok := h.conns[addr.String()]
	delete(h.conns, addr.String())
	h.mu.Unlock()
	if ok {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
}

func (h *Hub) lookup(addr jid.JID) (*memConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[addr.String()]
	return c, ok
}

func (h *Hub) deliver(e envelope.Envelope) {
	dest, ok := h.lookup(e.To)
	if !ok {
		vlog.VI(1).Infof("bus: bounce, no live connection for %s", e.To)
		h.bounce(e)
		return
	}
	select {
	case dest.inbox <- e:
	default:
		vlog.Errorf("bus: inbox full for %s, dropping envelope", e.To)
	}
}

func (h *Hub) bounce(e envelope.Envelope) {
	if e.From.IsZero() {
		return
	}
	sender, ok := h.lookup(e.From)
	if !ok {
		return
	}
	bounce := envelope.NewError(e.From, e.Thread, e.Body, envelope.ErrTypeCancel, 503)
	bounce.From = e.To
	select {
	case sender.inbox <- bounce:
	default:
		vlog.Errorf("bus: inbox full for %s, dropping bounce", e.From)
	}
}

func (c *memConn) JID() jid.JID { return c.self }

func (c *memConn) Send(e envelope.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errDisconnectedErr()
	}
	if e.From.IsZero() {
		e.From = c.self
	}
	c.hub.deliver(e)
	return nil
}

func (c *memConn) Recv(timeout time.Duration) (envelope.Envelope, bool, error) {
	if timeout < 0 {
		e, ok := <-c.inbox
		return e, ok, nil
	}
	if timeout == 0 {
		select {
		case e, ok := <-c.inbox:
			return e, ok, nil
		default:
			return envelope.Envelope{}, false, nil
		}
	}
	select {
	case e, ok := <-c.inbox:
		return e, ok, nil
	case <-time.After(timeout):
		return envelope.Envelope{}, false, nil
	}
}

func (c *memConn) Flush() {
	for {
		select {
		case <-c.inbox:
		default:
			return
		}
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.hub.mu.Lock()
	if existing, ok := c.hub.conns[c.self.String()]; ok && existing == c {
		delete(c.hub.conns, c.self.String())
	}
	c.hub.mu.Unlock()
	return nil
}
