// Package bus implements BrokerClient (spec.md §4.1): a single authenticated
// broker session used to send and receive Envelopes addressed by JID-like
// identifiers, surfacing server-side error stanzas as bounces.
//
// The legacy implementation sits on top of an XMPP server; per spec.md §9's
// Open Questions, the wire transport is abstracted behind the Conn/Dialer
// interfaces below so the routing and session core does not depend on any
// one bus backend. Hub (memnet.go) is the in-process broker used by this
// repository's own tests and by colocated deployments; a real deployment
// plugs in a Dialer for its chosen transport.
package bus

import (
	"time"

	"v.io/v23/verror"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"

var (
	// ErrConnect is raised by Connect on network or auth failure.
	ErrConnect = verror.Register(pkgPath+".ErrConnect", verror.NoRetry, "{1:}{2:} failed to connect to broker{:_}")
	// ErrDisconnected is raised by Send/Recv after the client has
	// transitioned to disconnected following an I/O error; Flush on a
	// disconnected client returns without doing anything.
	ErrDisconnected = verror.Register(pkgPath+".ErrDisconnected", verror.NoRetry, "{1:}{2:} broker client is disconnected{:_}")
)

func errDisconnectedErr() error {
	return verror.New(ErrDisconnected, nil)
}

// DefaultConnectTimeout is the default broker handshake timeout (spec.md §4.1).
const DefaultConnectTimeout = 10 * time.Second

// MsgSizeWarnThreshold is the default large-body warning threshold in bytes
// (spec.md §4.1, configured as Bootstrap.msg_size_warn).
const MsgSizeWarnThreshold = 1800000

// Dialer opens a session to a broker domain/port as a given authenticated
// identity, returning a live Conn.
type Dialer interface {
	Dial(user, domain string, port int, password, resource string, timeout time.Duration) (Conn, error)
}

// Conn is one live, authenticated transport-level connection to the broker,
// addressed as user@domain/resource.
type Conn interface {
	// JID is this connection's own address.
	JID() jid.JID
	// Send submits a raw Envelope for delivery; non-blocking.
	Send(e envelope.Envelope) error
	// Recv returns the next Envelope addressed to this connection, or
	// ok=false on timeout. timeout < 0 blocks indefinitely; timeout == 0
	// polls without blocking.
	Recv(timeout time.Duration) (e envelope.Envelope, ok bool, err error)
	// Flush drops any currently queued inbound envelopes without
	// processing them.
	Flush()
	// Close gracefully closes the stream.
	Close() error
}
