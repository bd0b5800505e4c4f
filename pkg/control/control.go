// Package control maps OS signals onto the control-signal table of spec.md
// §4.7: TERM/INT drive graceful vs. fast shutdown, HUP reloads configuration
// and recycles drones, USR1/USR2 deregister/reregister from routers without
// otherwise disturbing a running ServiceHost or Router. KILL is deliberately
// absent from the signal map below — it is not catchable, matching the
// table's "not catchable" note; a process dies to it before this package
// ever runs again.
//
// The fan-out shape (register callback, one goroutine turning external
// events into calls against those callbacks) follows lib/appcycle/appcycle.go's
// Stop/WaitForStop pattern, adapted from an RPC-triggered stop to an
// OS-signal-triggered one.
package control

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"v.io/x/lib/vlog"
)

// Handlers are the callbacks a Controller invokes for each signal in the
// spec.md §4.7 table. A nil handler is simply skipped.
type Handlers struct {
	Graceful   func() // TERM
	Fast       func() // INT
	Reload     func() // HUP
	Deregister func() // USR1
	Reregister func() // USR2
}

// Controller owns the process's os/signal subscription and dispatches to a
// set of Handlers until Stop is called.
type Controller struct {
	mu       sync.Mutex
	handlers Handlers
	sigCh    chan os.Signal
	done     chan struct{}
}

// New returns a Controller that will dispatch to h once Start is called.
func New(h Handlers) *Controller {
	return &Controller{
		handlers: h,
		sigCh:    make(chan os.Signal, 8),
		done:     make(chan struct{}),
	}
}

// Start subscribes to TERM, INT, HUP, USR1, USR2 and begins dispatching on a
// new goroutine. Call Stop to unsubscribe and end that goroutine.
func (c *Controller) Start() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go c.run()
}

// Stop unsubscribes from signals and ends the dispatch goroutine.
func (c *Controller) Stop() {
	signal.Stop(c.sigCh)
	close(c.done)
}

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case sig := <-c.sigCh:
			c.dispatch(sig)
		}
	}
}

func (c *Controller) dispatch(sig os.Signal) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch sig {
	case syscall.SIGTERM:
		vlog.Infof("control: TERM received, graceful shutdown")
		invoke(h.Graceful)
	case syscall.SIGINT:
		vlog.Infof("control: INT received, fast shutdown")
		invoke(h.Fast)
	case syscall.SIGHUP:
		vlog.Infof("control: HUP received, reloading configuration")
		invoke(h.Reload)
	case syscall.SIGUSR1:
		vlog.Infof("control: USR1 received, deregistering from routers")
		invoke(h.Deregister)
	case syscall.SIGUSR2:
		vlog.Infof("control: USR2 received, reregistering with routers")
		invoke(h.Reregister)
	default:
		vlog.VI(1).Infof("control: ignoring unexpected signal %v", sig)
	}
}

func invoke(fn func()) {
	if fn != nil {
		fn()
	}
}
