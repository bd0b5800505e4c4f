// Package session implements the protocol state machine both clients and
// servers run on top of the bus (spec.md §4.4): session creation,
// CONNECT/DISCONNECT handshakes, request/response correlation by
// threadTrace, STATUS-driven state transitions, chunking/bundling, and
// locale/timezone/ingress propagation.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"v.io/v23/verror"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/session"

var (
	ErrConnectTimeout = verror.Register(pkgPath+".ErrConnectTimeout", verror.NoRetry, "{1:}{2:} timed out waiting for CONNECT acknowledgement{:_}")
	ErrStatelessConnect = verror.Register(pkgPath+".ErrStatelessConnect", verror.NoRetry, "{1:}{2:} stateless sessions do not support connect{:_}")
	ErrNotConnected = verror.Register(pkgPath+".ErrNotConnected", verror.NoRetry, "{1:}{2:} session is not connected{:_}")
	ErrRedirected   = verror.Register(pkgPath+".ErrRedirected", verror.NoRetry, "{1:}{2:} redirected, reset and resend{:_}")
	ErrSessionTimeout = verror.Register(pkgPath+".ErrSessionTimeout", verror.NoRetry, "{1:}{2:} session timed out, reset and resend{:_}")
	ErrExpFailed    = verror.Register(pkgPath+".ErrExpFailed", verror.NoRetry, "{1:}{2:} mangled session, reset and resend{:_}")
	ErrMangled      = verror.Register(pkgPath+".ErrMangled", verror.NoRetry, "{1:}{2:} mangled session{:_}")
)

// ErrRequestComplete is returned by Recv once a request's response stream
// has been fully drained and its terminal STATUS COMPLETE observed.
var ErrRequestComplete = fmt.Errorf("request complete")

// MethodError represents a 4xx/5xx STATUS, or a router-synthesized bounce,
// surfaced to the caller (spec.md §7).
type MethodError struct {
	Code    message.StatusCode
	ErrType envelope.ErrType
	Message string
}

func (e *MethodError) Error() string {
	if e.ErrType != "" {
		return fmt.Sprintf("method error: %s/%d: %s", e.ErrType, e.Code, e.Message)
	}
	return fmt.Sprintf("method error: %d: %s", e.Code, e.Message)
}

// Endpoint distinguishes a client-role Session from a server-role Session.
type Endpoint int

const (
	EndpointClient Endpoint = iota
	EndpointServer
)

// State is the Session connection state machine (spec.md §3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the subset of bus.BrokerClient a Session needs. It is
// satisfied directly by *bus.BrokerClient; tests may supply a fake.
type Transport interface {
	Send(e envelope.Envelope) error
	Recv(timeout time.Duration) (envelope.Envelope, bool, error)
}

// base holds the state shared by ClientSession and ServerSession.
type base struct {
	mu sync.Mutex

	thread    string
	endpoint  Endpoint
	state     State
	remoteID  jid.JID
	stateless bool

	locale   string
	tz       string
	ingress  string
	apiLevel int

	nextTrace int
	requests  map[int]*Request

	forceRecycle      bool
	requestsServed    int
	maxRequestsServed int
}

func newBase(endpoint Endpoint, stateless bool, locale, tz, ingress string) base {
	return base{
		thread:    uuid.New(),
		endpoint:  endpoint,
		state:     StateDisconnected,
		stateless: stateless,
		locale:    locale,
		tz:        tz,
		ingress:   ingress,
		requests:  make(map[int]*Request),
	}
}

// RequestContext is the locale/timezone/ingress an inbound REQUEST or
// CONNECT carried (spec.md §4.3): a handler that issues its own downstream
// requests within the same invocation must propagate these, rather than
// leaving them at the caller's defaults.
type RequestContext struct {
	Locale  string
	TZ      string
	Ingress string
}

// RequestContext returns the locale/timezone/ingress most recently observed
// on this session (spec.md §4.3). Call it from a method handler to read
// what the inbound request carried, then pass it along when issuing
// downstream requests of your own (e.g. via ClientSession.SetIngress).
func (b *base) RequestContext() RequestContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RequestContext{Locale: b.locale, TZ: b.tz, Ingress: b.ingress}
}

// Thread returns the opaque thread identifier scoping this session.
func (b *base) Thread() string { return b.thread }

// State returns the current connection state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RemoteID returns the peer address this session currently talks to
// directly (the zero JID if not yet established).
func (b *base) RemoteID() jid.JID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteID
}

// Stateless reports whether this is a stateless session (spec.md §4.4): a
// stateless client session never connects and every REQUEST may land on any
// node; a stateless server session exists only for the lifetime of one
// REQUEST's response stream.
func (b *base) Stateless() bool { return b.stateless }

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *base) setRemoteID(j jid.JID) {
	b.mu.Lock()
	b.remoteID = j
	b.mu.Unlock()
}

func (b *base) nextThreadTrace() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTrace++
	return b.nextTrace
}

func (b *base) putRequest(r *Request) {
	b.mu.Lock()
	b.requests[r.ThreadTrace] = r
	b.mu.Unlock()
}

func (b *base) getRequest(trace int) (*Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[trace]
	return r, ok
}

func (b *base) openRequests() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Request, 0, len(b.requests))
	for _, r := range b.requests {
		if !r.Complete {
			out = append(out, r)
		}
	}
	return out
}

// ForceRecycle sets the session's force_recycle flag (spec.md §3
// Session.force_recycle). Nothing in this module calls it or acts on the
// flag: setting it neither tears the session down nor makes a ServiceHost
// drone exit; drones recycle on max_requests alone.
func (b *base) ForceRecycle() {
	b.mu.Lock()
	b.forceRecycle = true
	b.mu.Unlock()
}

func (b *base) shouldRecycle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forceRecycle
}
