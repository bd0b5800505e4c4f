// Package host implements the ServiceHost (spec.md §4.6): a per-service
// listener that registers with one or more routers, dispatches inbound
// traffic to a bounded pool of drone workers, enforces per-drone request
// limits and idle spare-child policy, and performs graceful and forced
// shutdown.
//
// spec.md §9 explicitly allows substituting goroutines and channels for the
// legacy design's OS processes and pipes on a cooperative-task runtime;
// each Drone here is a goroutine and its "private pipe to the parent" is a
// buffered channel, following lib/exec/parent.go's handshake idiom
// (WaitForReady/Wait/Kill/Signal) adapted to that substrate.
package host

import (
	"fmt"
	"sync/atomic"
	"time"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/host"

var (
	ErrConnect = verror.Register(pkgPath+".ErrConnect", verror.NoRetry, "{1:}{2:} service host failed to open broker login{:_}")
)

// MethodHandler implements one application RPC method.
type MethodHandler func(params []interface{}) (interface{}, error)

// Policy is a service's drone-pool tuning (spec.md §4.6 Drone pool, carried
// in PerApp config per spec.md §6).
type Policy struct {
	MinChildren   int
	MaxChildren   int
	MinSpare      int
	MaxSpare      int
	MaxRequests   int
	KeepaliveSecs int
}

const pollInterval = 20 * time.Millisecond

// ServiceHost owns the parent broker connection used for router dispatch
// and registration, and the drone pool state. Per spec.md §5, idle/active
// bookkeeping is owned exclusively by the goroutine running Run; no lock
// guards it. shutdown is the one field safe to touch from outside.
type ServiceHost struct {
	dialer      bus.Dialer
	domain      string
	user        string
	password    string
	port        int
	serviceName string
	self        jid.JID
	parent      *bus.BrokerClient

	policy  Policy
	methods map[string]MethodHandler

	idle        []*drone
	active      map[string]*drone
	nextDroneID int
	readyCh     chan readyMsg
	controlCh   chan controlCmd

	registeredRouters []jid.JID

	shutdown atomic.Bool
}

type readyMsg struct {
	id      string
	recycle bool // drone is exiting (hit max_requests or force_recycle), not just idle
}

// controlCmd is a control.Handlers callback marshaled onto the Run
// goroutine, which alone owns idle/active/registeredRouters (spec.md §5:
// "no shared mutable state requires locking because all state is owned by
// the loop").
type controlCmd int

const (
	cmdDeregister controlCmd = iota
	cmdReregister
	cmdRecycleDrones
)

// New builds a ServiceHost for serviceName on domain, with methods as its
// dispatch table.
func New(dialer bus.Dialer, domain, user, password string, port int, serviceName string, policy Policy, methods map[string]MethodHandler) *ServiceHost {
	if policy.KeepaliveSecs <= 0 {
		policy.KeepaliveSecs = 60
	}
	return &ServiceHost{
		dialer:      dialer,
		domain:      domain,
		user:        user,
		password:    password,
		port:        port,
		serviceName: serviceName,
		policy:      policy,
		methods:     methods,
		active:      make(map[string]*drone),
		readyCh:     make(chan readyMsg, policy.MaxChildren+1),
		controlCh:   make(chan controlCmd, 4),
	}
}

// Self returns the host's public service address, valid after Start.
func (h *ServiceHost) Self() jid.JID { return h.self }

// Start opens the parent broker login (the service's public address, the
// one routers forward to) and spawns min_children drones.
func (h *ServiceHost) Start(timeout time.Duration) error {
	bc := bus.NewBrokerClient(h.dialer, 0)
	if err := bc.Connect(h.user, h.domain, h.port, h.password, h.serviceName, timeout); err != nil {
		return verror.New(ErrConnect, nil, h.serviceName, err)
	}
	h.parent = bc
	h.self = bc.JID()
	for i := 0; i < h.policy.MinChildren; i++ {
		h.spawnIdle()
	}
	vlog.Infof("host: %s listening as %s with %d drones", h.serviceName, h.self, len(h.idle))
	return nil
}

// RegisterWithRouters sends router_command=register to each router address
// for this host's service class (spec.md §4.6 Startup), remembering them
// for deregistration at shutdown.
func (h *ServiceHost) RegisterWithRouters(routers []jid.JID) error {
	for _, r := range routers {
		if err := h.parent.Send(envelope.Envelope{
			To:            r,
			From:          h.self,
			RouterCommand: envelope.RouterCommandRegister,
			RouterClass:   h.serviceName,
		}); err != nil {
			return err
		}
	}
	h.registeredRouters = append(h.registeredRouters, routers...)
	return nil
}

func (h *ServiceHost) unregisterFromRouters() {
	for _, r := range h.registeredRouters {
		h.parent.Send(envelope.Envelope{
			To:            r,
			From:          h.self,
			RouterCommand: envelope.RouterCommandUnregister,
			RouterClass:   h.serviceName,
		})
	}
}

// Shutdown sets the atomic shutdown flag; Run exits cleanly at the next
// select iteration, running the full TERM->INT->KILL drone drain (spec.md
// §4.6 Shutdown).
func (h *ServiceHost) Shutdown() {
	h.shutdown.Store(true)
}

// Deregister asks the Run goroutine to send router_command=unregister to
// every router this host has registered with, without otherwise disturbing
// the running drone pool (spec.md §4.7 USR1). Safe to call from any
// goroutine, e.g. a control.Controller's signal-dispatch goroutine.
func (h *ServiceHost) Deregister() {
	h.controlCh <- cmdDeregister
}

// Reregister asks the Run goroutine to re-send router_command=register to
// every router this host last registered with (spec.md §4.7 USR2). Safe to
// call from any goroutine.
func (h *ServiceHost) Reregister() {
	h.controlCh <- cmdReregister
}

// RecycleDrones asks the Run goroutine to TERM every current drone so each
// exits after finishing any in-flight exchange, then let the ordinary
// idle-tick spawn policy refill the pool up to min_spare (spec.md §4.7 HUP:
// "gracefully recycle drones"). Safe to call from any goroutine.
func (h *ServiceHost) RecycleDrones() {
	h.controlCh <- cmdRecycleDrones
}

func (h *ServiceHost) drainControl() {
	for {
		select {
		case cmd := <-h.controlCh:
			switch cmd {
			case cmdDeregister:
				h.unregisterFromRouters()
			case cmdReregister:
				routers := h.registeredRouters
				h.registeredRouters = nil
				h.RegisterWithRouters(routers)
			case cmdRecycleDrones:
				for _, d := range h.idle {
					d.signalTerm()
				}
				h.idle = nil
				for _, d := range h.active {
					d.signalTerm()
				}
			}
		default:
			return
		}
	}
}

// Run drives the select loop until Shutdown is called. Meant for its own
// goroutine.
func (h *ServiceHost) Run() {
	for !h.shutdown.Load() {
		h.drainReady()
		h.drainControl()
		env, ok, err := h.parent.Recv(pollInterval)
		if err != nil {
			continue
		}
		if ok {
			h.dispatch(env)
		} else {
			h.idleMaintenance()
		}
	}
	h.gracefulShutdown(30 * time.Second)
}

// drainReady moves any drones that have signaled idleness from active to
// idle, and removes any that have exited for recycling (spec.md §4.6 Drone
// worker loop: "signal availability to the parent").
func (h *ServiceHost) drainReady() {
	for {
		select {
		case msg := <-h.readyCh:
			d, ok := h.active[msg.id]
			if !ok {
				continue
			}
			delete(h.active, msg.id)
			if msg.recycle {
				vlog.VI(1).Infof("host: drone %s recycled after %d requests", d.id, d.requestsServed)
				continue
			}
			h.idle = append(h.idle, d)
		default:
			return
		}
	}
}

func (h *ServiceHost) total() int { return len(h.idle) + len(h.active) }

// dispatch implements spec.md §4.6 Dispatch. Introspection requests
// addressed to the host's own parent socket are answered directly, without
// consuming a drone.
func (h *ServiceHost) dispatch(env envelope.Envelope) {
	if h.handleIntrospection(env) {
		return
	}
	if d := h.popIdle(); d != nil {
		h.active[d.id] = d
		d.pipe <- env
		return
	}
	if h.total() < h.policy.MaxChildren {
		d := h.newDrone()
		h.active[d.id] = d
		go d.run()
		d.pipe <- env
		return
	}
	// Saturated: block until a drone signals idle, per spec.md §4.6
	// Dispatch ("Otherwise block the main loop...").
	for {
		msg := <-h.readyCh
		d, ok := h.active[msg.id]
		if !ok {
			continue
		}
		if msg.recycle {
			delete(h.active, msg.id)
			continue
		}
		d.pipe <- env
		return
	}
}

func (h *ServiceHost) popIdle() *drone {
	if len(h.idle) == 0 {
		return nil
	}
	d := h.idle[0]
	h.idle = h.idle[1:]
	return d
}

// idleMaintenance implements spec.md §4.6 Drone pool idle tick: at most one
// spawn or kill per tick, to avoid thundering herds.
func (h *ServiceHost) idleMaintenance() {
	if len(h.idle) < h.policy.MinSpare && h.total() < h.policy.MaxChildren {
		h.spawnIdle()
		return
	}
	if len(h.idle) > h.policy.MaxSpare && h.total() > h.policy.MinChildren {
		h.killOneIdle()
	}
}

func (h *ServiceHost) spawnIdle() {
	d := h.newDrone()
	h.idle = append(h.idle, d)
	go d.run()
}

func (h *ServiceHost) newDrone() *drone {
	h.nextDroneID++
	id := fmt.Sprintf("drone-%d-%d", h.nextDroneID, time.Now().UnixNano())
	return newDrone(id, h)
}

func (h *ServiceHost) killOneIdle() {
	if len(h.idle) == 0 {
		return
	}
	d := h.idle[0]
	h.idle = h.idle[1:]
	close(d.stop)
}

// gracefulShutdown implements spec.md §4.6 Shutdown: TERM, then INT, then
// KILL, each with a per-signal timeout, then deregister and close.
func (h *ServiceHost) gracefulShutdown(perSignalTimeout time.Duration) {
	all := make([]*drone, 0, h.total())
	all = append(all, h.idle...)
	for _, d := range h.active {
		all = append(all, d)
	}
	for _, d := range all {
		d.signalTerm()
	}
	waitFor(all, perSignalTimeout, func(d *drone) { d.signalInt() })
	waitFor(all, perSignalTimeout, func(d *drone) { d.signalKill() })

	h.unregisterFromRouters()
	h.parent.Disconnect()
}

// waitFor polls until every drone in drones has exited or timeout elapses;
// drones still alive at timeout get escalated via escalate.
func waitFor(drones []*drone, timeout time.Duration, escalate func(*drone)) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allDone := true
		for _, d := range drones {
			if !d.exited.Load() {
				allDone = false
			}
		}
		if allDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, d := range drones {
		if !d.exited.Load() {
			escalate(d)
		}
	}
}
