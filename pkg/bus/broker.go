package bus

import (
	"sync"
	"time"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

// BrokerClient owns a single authenticated broker session, as described by
// spec.md §4.1. It is safe for concurrent Send/Recv from different
// goroutines, but Connect/Disconnect must not race with either.
type BrokerClient struct {
	dialer  Dialer
	msgWarn int

	mu     sync.RWMutex
	conn   Conn
	nextSeq map[string]uint64 // To.String() -> next per-destination send-order counter
}

// NewBrokerClient returns a client that will dial through d. msgWarnBytes is
// the large-body warning threshold; 0 selects MsgSizeWarnThreshold.
func NewBrokerClient(d Dialer, msgWarnBytes int) *BrokerClient {
	if msgWarnBytes <= 0 {
		msgWarnBytes = MsgSizeWarnThreshold
	}
	return &BrokerClient{dialer: d, msgWarn: msgWarnBytes, nextSeq: make(map[string]uint64)}
}

// Connect performs the broker's initial handshake. timeout <= 0 selects
// DefaultConnectTimeout.
func (b *BrokerClient) Connect(user, domain string, port int, password, resource string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	conn, err := b.dialer.Dial(user, domain, port, password, resource, timeout)
	if err != nil {
		return verror.New(ErrConnect, nil, user, domain, resource, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	vlog.Infof("bus: connected as %s", conn.JID())
	return nil
}

// JID returns the address of the current connection, or the zero JID if not
// connected.
func (b *BrokerClient) JID() jid.JID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return jid.JID{}
	}
	return b.conn.JID()
}

// Connected reports whether Send/Recv can currently be attempted.
func (b *BrokerClient) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

func (b *BrokerClient) currentConn() (Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return nil, errDisconnectedErr()
	}
	return b.conn, nil
}

// Send submits env for delivery. Oversized bodies are only warned about, not
// rejected (spec.md §4.1). Any I/O error transitions this client to
// disconnected; the owner is responsible for reconnecting and, if it is a
// ServiceHost, re-registering with routers, or if it is a Router class
// connection, re-authenticating.
func (b *BrokerClient) Send(env envelope.Envelope) error {
	conn, err := b.currentConn()
	if err != nil {
		return err
	}
	env.SetSeq(b.nextSeqFor(env.To))
	if raw, merr := envelope.Marshal(env); merr == nil && len(raw) > b.msgWarn {
		vlog.Errorf("bus: outgoing envelope to %s is %d bytes, exceeds warn threshold %d", env.To, len(raw), b.msgWarn)
	}
	if err := conn.Send(env); err != nil {
		b.disconnect()
		return err
	}
	return nil
}

// Recv returns the next envelope addressed to this client, or ok=false on
// timeout. A bounce (server-side error stanza) is surfaced as an ordinary
// envelope with IsError set; callers distinguish it via env.IsError.
func (b *BrokerClient) Recv(timeout time.Duration) (env envelope.Envelope, ok bool, err error) {
	conn, cerr := b.currentConn()
	if cerr != nil {
		return envelope.Envelope{}, false, cerr
	}
	env, ok, err = conn.Recv(timeout)
	if err != nil {
		b.disconnect()
	}
	return env, ok, err
}

// Flush drains queued inbound data without processing it; used right before
// spawning a child so stale bytes don't cross the fork/pipe boundary
// (spec.md §4.1, §4.6).
func (b *BrokerClient) Flush() {
	conn, err := b.currentConn()
	if err != nil {
		return
	}
	conn.Flush()
}

// Disconnect gracefully closes the stream.
func (b *BrokerClient) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// nextSeqFor returns the next per-destination send-order counter value,
// mirroring flow.Conn's internal sequence tracking (never part of the wire
// form; see envelope.Envelope.seq).
func (b *BrokerClient) nextSeqFor(to jid.JID) uint64 {
	key := to.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nextSeq[key]
	b.nextSeq[key] = n + 1
	return n
}

func (b *BrokerClient) disconnect() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
