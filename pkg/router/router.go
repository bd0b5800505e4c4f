// Package router implements the Router (spec.md §4.5): a multi-class
// dispatcher holding one broker login per service class, accepting
// register/unregister control traffic, round-robining client requests
// across registered nodes, recovering from delivery bounces, and answering
// the opensrf.router.info.* introspection surface.
package router

import (
	"sync/atomic"
	"time"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/router"

var (
	ErrConnect = verror.Register(pkgPath+".ErrConnect", verror.NoRetry, "{1:}{2:} router failed to open broker login{:_}")
)

// brokerConn is the subset of *bus.BrokerClient the Router needs; tests may
// supply a fake without standing up a full Hub dial.
type brokerConn interface {
	Send(e envelope.Envelope) error
	Recv(timeout time.Duration) (e envelope.Envelope, ok bool, err error)
}

// pollInterval is how long each socket's Recv blocks per select iteration
// before the loop re-checks the shutdown flag and moves to the next socket
// (spec.md §4.5 Select loop).
const pollInterval = 20 * time.Millisecond

// Router is a single-threaded, multi-class dispatcher. All mutable state
// (classes, node registries, cursors, forwarded counts) is owned
// exclusively by the goroutine running Run; per spec.md §5 no locking is
// needed because of that ownership discipline. shutdown is the one field
// safe to touch from another goroutine.
type Router struct {
	domain   string
	user     string
	port     int
	password string
	dialer   bus.Dialer

	trustedClients map[string]bool
	trustedServers map[string]bool

	topSelf jid.JID
	top     brokerConn

	classes map[string]*routerClass

	shutdown atomic.Bool
}

// New builds a Router for domain, authenticating as user/password. trusted
// client/server domain lists gate dispatch and register/unregister traffic
// respectively (spec.md §4.5 Trust).
func New(dialer bus.Dialer, domain, user, password string, port int, trustedClients, trustedServers []string) *Router {
	r := &Router{
		domain:         domain,
		user:           user,
		password:       password,
		port:           port,
		dialer:         dialer,
		trustedClients: toSet(trustedClients),
		trustedServers: toSet(trustedServers),
		classes:        make(map[string]*routerClass),
	}
	return r
}

func toSet(domains []string) map[string]bool {
	m := make(map[string]bool, len(domains))
	for _, d := range domains {
		m[d] = true
	}
	return m
}

// Start opens the top-level router broker login (opensrf:router:<domain>,
// legacy <user>@<domain>/router). Must be called before Run.
func (r *Router) Start(timeout time.Duration) error {
	bc := bus.NewBrokerClient(r.dialer, 0)
	if err := bc.Connect(r.user, r.domain, r.port, r.password, "router", timeout); err != nil {
		return verror.New(ErrConnect, nil, r.domain, err)
	}
	r.top = bc
	r.topSelf = bc.JID()
	vlog.Infof("router: listening as %s", r.topSelf)
	return nil
}

// TopJID returns the router's top-level login address, valid after Start.
func (r *Router) TopJID() jid.JID { return r.topSelf }

// Shutdown sets the atomic shutdown flag; Run exits cleanly at the next
// iteration boundary, closing all class sessions (spec.md §4.5 Select loop).
func (r *Router) Shutdown() {
	r.shutdown.Store(true)
}

// Run drives the select loop until Shutdown is called. It is meant to run
// on its own goroutine.
func (r *Router) Run() {
	for !r.shutdown.Load() {
		r.pollTop()
		for _, name := range r.classNames() {
			r.pollClass(r.classes[name])
		}
	}
	for _, c := range r.classes {
		if closer, ok := c.bc.(interface{ Disconnect() error }); ok {
			closer.Disconnect()
		}
	}
	if closer, ok := r.top.(interface{ Disconnect() error }); ok {
		closer.Disconnect()
	}
}

func (r *Router) classNames() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	return names
}

func (r *Router) pollTop() {
	env, ok, err := r.top.Recv(pollInterval)
	if err != nil || !ok {
		return
	}
	if env.RouterCommand == envelope.RouterCommandRegister || env.RouterCommand == envelope.RouterCommandUnregister {
		r.handleRegistration(env)
		return
	}
	r.handleIntrospection(env)
}

func (r *Router) pollClass(c *routerClass) {
	if c == nil {
		return
	}
	env, ok, err := c.bc.Recv(pollInterval)
	if err != nil || !ok {
		return
	}
	if env.IsError {
		r.recoverBounce(c, env)
		return
	}
	if env.RouterCommand != envelope.RouterCommandNone {
		// register/unregister arriving on a class socket is accepted the
		// same as on the top socket, for symmetry with listeners that
		// authenticate directly against their class's own login.
		r.handleRegistration(env)
		return
	}
	r.dispatch(c, env)
}

// handleRegistration implements spec.md §4.5 Node lifecycle.
func (r *Router) handleRegistration(env envelope.Envelope) {
	if !r.trustedServers[env.From.Domain] {
		vlog.Errorf("router: dropping %s from untrusted server domain %s", env.RouterCommand, env.From.Domain)
		return
	}
	class := env.RouterClass
	if class == "" {
		return
	}
	switch env.RouterCommand {
	case envelope.RouterCommandRegister:
		c, ok := r.classes[class]
		if !ok {
			c = r.openClass(class)
			if c == nil {
				return
			}
		}
		if c.register(env.From) {
			vlog.Infof("router: class %s gained node %s", class, env.From)
		}
	case envelope.RouterCommandUnregister:
		c, ok := r.classes[class]
		if !ok {
			return
		}
		removed, empty := c.unregister(env.From)
		if removed {
			vlog.Infof("router: class %s lost node %s", class, env.From)
		}
		if empty {
			r.closeClass(class)
		}
	}
}

func (r *Router) openClass(name string) *routerClass {
	bc := bus.NewBrokerClient(r.dialer, 0)
	self := jid.NewRouterClass(r.user, r.domain, name)
	if err := bc.Connect(r.user, r.domain, r.port, r.password, name, 0); err != nil {
		vlog.Errorf("router: failed to open class login for %s: %v", name, err)
		return nil
	}
	c := newRouterClass(name, self, bc)
	r.classes[name] = c
	return c
}

func (r *Router) closeClass(name string) {
	c, ok := r.classes[name]
	if !ok {
		return
	}
	if closer, ok := c.bc.(interface{ Disconnect() error }); ok {
		closer.Disconnect()
	}
	delete(r.classes, name)
	vlog.Infof("router: class %s torn down", name)
}

// dispatch implements spec.md §4.5 Dispatch.
func (r *Router) dispatch(c *routerClass, env envelope.Envelope) {
	if !r.trustedClients[env.From.Domain] {
		vlog.Errorf("router: dropping request from untrusted client domain %s", env.From.Domain)
		return
	}
	n := c.nextNode()
	if n == nil {
		return
	}
	r.forward(c, n, env, env.From)
}

// forward builds and sends the envelope described by spec.md §4.5 Dispatch
// step 2, attaching it to n.lastForwarded, then sends it (step 3),
// incrementing n's forwarded_count only on success.
func (r *Router) forward(c *routerClass, n *node, env envelope.Envelope, originalSender jid.JID) {
	out := envelope.Envelope{
		To:         n.remoteID,
		From:       c.self,
		RouterFrom: originalSender,
		Thread:     env.Thread,
		Body:       env.Body,
		OsrfXID:    env.OsrfXID,
	}
	n.lastForwarded = &out
	if err := c.bc.Send(out); err != nil {
		vlog.Errorf("router: send to %s failed: %v", n.remoteID, err)
		return
	}
	n.forwardedCount++
}

// recoverBounce implements spec.md §4.5 Bounce recovery.
func (r *Router) recoverBounce(c *routerClass, errEnv envelope.Envelope) {
	n, idx, ok := c.findByAddr(errEnv.From)
	if !ok {
		return
	}
	last := n.lastForwarded
	c.removeAt(idx)

	if len(c.nodes) > 0 {
		if last == nil {
			return
		}
		next := c.nextNode()
		if next == nil {
			return
		}
		r.forward(c, next, envelope.Envelope{
			Thread:  last.Thread,
			Body:    last.Body,
			OsrfXID: last.OsrfXID,
		}, last.RouterFrom)
		return
	}

	// N was the last node.
	if last != nil {
		bounce := envelope.NewError(last.RouterFrom, last.Thread, last.Body, envelope.ErrTypeCancel, 501)
		bounce.From = c.self
		if err := c.bc.Send(bounce); err != nil {
			vlog.Errorf("router: failed to deliver synthesized bounce to %s: %v", last.RouterFrom, err)
		}
	}
	r.closeClass(c.name)
}

func respondStatus(bc brokerConn, self jid.JID, env envelope.Envelope, trace int, code message.StatusCode, status string) {
	msg := message.NewStatus(trace, code, status)
	bc.Send(envelope.Envelope{To: env.From, From: self, Thread: env.Thread, Body: []message.Message{msg}})
}
