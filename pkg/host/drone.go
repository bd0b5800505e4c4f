package host

import (
	"sync/atomic"
	"time"

	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/session"
)

// droneSignal mirrors the TERM/INT/KILL escalation a real drone process
// would receive (spec.md §4.6 Shutdown), delivered here over a channel
// instead of a Unix signal.
type droneSignal int

const (
	sigTerm droneSignal = iota
	sigInt
	sigKill
)

// drone is one worker goroutine standing in for an OS-level service
// process (spec.md §4.6 Drone worker loop). It owns a private broker
// session distinct from the parent's, so that once a client CONNECTs, its
// subsequent REQUESTs address this drone directly rather than routing back
// through the ServiceHost.
type drone struct {
	id   string
	host *ServiceHost

	pipe chan envelope.Envelope // the parent's first-contact dispatch channel
	stop chan struct{}          // closed by the host to kill an idle drone outright
	sig  chan droneSignal

	exited atomic.Bool

	bc   *bus.BrokerClient
	self jid.JID

	sessions       map[string]*session.ServerSession
	lastActivity   map[string]time.Time
	requestsServed int
	maxRequests    int
	keepalive      time.Duration
}

func newDrone(id string, h *ServiceHost) *drone {
	return &drone{
		id:           id,
		host:         h,
		pipe:         make(chan envelope.Envelope, 1),
		stop:         make(chan struct{}),
		sig:          make(chan droneSignal, 1),
		sessions:     make(map[string]*session.ServerSession),
		lastActivity: make(map[string]time.Time),
		maxRequests:  h.policy.MaxRequests,
		keepalive:    time.Duration(h.policy.KeepaliveSecs) * time.Second,
	}
}

func (d *drone) signalTerm() { d.trySignal(sigTerm) }
func (d *drone) signalInt()  { d.trySignal(sigInt) }
func (d *drone) signalKill() { d.trySignal(sigKill) }

func (d *drone) trySignal(s droneSignal) {
	select {
	case d.sig <- s:
	default:
	}
}

// run is the drone's whole life cycle: connect, then alternate between
// serving the parent's first-contact pipe and its own direct broker
// traffic, until a signal, the idle-kill channel, or max_requests ends it
// (spec.md §4.6 Drone worker loop).
func (d *drone) run() {
	defer d.exited.Store(true)

	bc := bus.NewBrokerClient(d.host.dialer, 0)
	if err := bc.Connect(d.host.user, d.host.domain, d.host.port, d.host.password, d.id, 0); err != nil {
		vlog.Errorf("host: drone %s failed to connect: %v", d.id, err)
		return
	}
	d.bc = bc
	d.self = bc.JID()
	defer bc.Disconnect()

	for {
		select {
		case s := <-d.sig:
			switch s {
			case sigKill, sigInt:
				return
			case sigTerm:
				if len(d.sessions) == 0 {
					return
				}
				// Work in flight: let the current exchange finish; the
				// idle-maintenance and shutdown escalation paths will
				// eventually promote this to INT/KILL if it doesn't.
			}
		case <-d.stop:
			return
		case env := <-d.pipe:
			d.handle(env)
			if d.afterExchange() {
				return
			}
		case <-time.After(pollInterval):
			d.pollDirect()
			d.checkKeepalive()
		}
	}
}

// afterExchange reports requests_served >= max_requests (spec.md §4.6 Drone
// worker loop: "Exit when requests_served >= max_requests"), signaling the
// host to recycle this drone rather than return it to idle. Otherwise it
// signals idleness if no session remains open.
func (d *drone) afterExchange() bool {
	if d.maxRequests > 0 && d.requestsServed >= d.maxRequests {
		d.host.readyCh <- readyMsg{id: d.id, recycle: true}
		return true
	}
	if len(d.sessions) == 0 {
		d.host.readyCh <- readyMsg{id: d.id}
	}
	return false
}

// pollDirect drains one envelope, if any, from this drone's own broker
// connection: traffic from a client already CONNECTED directly to this
// drone (spec.md §4.4 "all subsequent REQUESTs are sent directly to
// remote_id").
func (d *drone) pollDirect() {
	env, ok, err := d.bc.Recv(0)
	if err != nil || !ok {
		return
	}
	d.handle(env)
	if d.maxRequests > 0 && d.requestsServed >= d.maxRequests {
		d.host.readyCh <- readyMsg{id: d.id, recycle: true}
		return
	}
	if len(d.sessions) == 0 {
		d.host.readyCh <- readyMsg{id: d.id}
	}
}

// checkKeepalive tears down any CONNECTED session that has sat idle longer
// than keepalive_secs (spec.md §4.4 Cancellation and timeouts).
func (d *drone) checkKeepalive() {
	if d.keepalive <= 0 {
		return
	}
	for thread, sess := range d.sessions {
		if sess.State() != session.StateConnected {
			continue
		}
		if time.Since(d.lastActivity[thread]) < d.keepalive {
			continue
		}
		vlog.VI(1).Infof("host: drone %s keepalive expired on thread %s", d.id, thread)
		sess.ExpireKeepalive()
		delete(d.sessions, thread)
		delete(d.lastActivity, thread)
	}
	if len(d.sessions) == 0 {
		select {
		case d.host.readyCh <- readyMsg{id: d.id}:
		default:
		}
	}
}

// handle instantiates or looks up the Session keyed by env.Thread and
// advances it per spec.md §4.4, dispatching REQUEST PDUs to the host's
// method table.
func (d *drone) handle(env envelope.Envelope) {
	sess, known := d.sessions[env.Thread]
	if !known {
		if len(env.Body) == 0 || !session.CanStartSession(env.Body[0]) {
			return
		}
		stateless := env.Body[0].Type != "CONNECT"
		sess = session.NewServer(d.bc, d.self, env.Thread, stateless)
		d.sessions[env.Thread] = sess
	}
	d.lastActivity[env.Thread] = time.Now()

	sess.Dispatch(env, false, func(req *session.Request) {
		h, ok := d.host.methods[req.Method]
		if !ok {
			sess.Fail(req, 404, "method not found")
			return
		}
		v, err := h(req.Params)
		if err != nil {
			sess.Fail(req, 500, err.Error())
			return
		}
		sess.Respond(req, v)
		sess.Complete(req)
	})
	d.requestsServed++

	if sess.Stateless() || sess.TornDown() {
		delete(d.sessions, env.Thread)
		delete(d.lastActivity, env.Thread)
	}
}
