// Package envelope implements the transport-level Envelope (spec.md §3,
// §4.2): the message carrying a JSON-encoded list of OsrfMessage PDUs
// between two bus addresses, plus the class-hint Codec convention layered
// on top of the JSON grammar.
package envelope

import (
	"encoding/json"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// ErrType is the error-stanza error type, e.g. "cancel" for a bounce
// synthesized by the Router on last-node loss (spec.md §4.5).
type ErrType string

const (
	ErrTypeCancel ErrType = "cancel"
)

// Envelope is the wire message exchanged over the bus.
type Envelope struct {
	To       jid.JID
	From     jid.JID
	RouterFrom jid.JID // set by the Router when forwarding, preserves original sender
	Thread   string
	Body     []message.Message

	OsrfXID       string
	RouterCommand RouterCommand
	RouterClass   string

	IsError bool
	ErrCode int
	ErrType ErrType

	// seq is an internal send-order counter, never serialized; it exists
	// purely so ordering-property tests can assert per-destination FIFO
	// delivery without depending on wall-clock timestamps.
	seq uint64
}

// RouterCommand is the optional router_command attribute.
type RouterCommand string

const (
	RouterCommandNone       RouterCommand = ""
	RouterCommandRegister   RouterCommand = "register"
	RouterCommandUnregister RouterCommand = "unregister"
)

// SetSeq / Seq let a BrokerClient stamp and read the internal ordering
// counter; they are not part of the wire representation.
func (e *Envelope) SetSeq(n uint64) { e.seq = n }
func (e Envelope) Seq() uint64      { return e.seq }

// NewError builds a bounce/error envelope addressed to "to", preserving
// thread/body from a failed delivery the way the Router's last-node-loss
// recovery does (spec.md §4.5 scenario 5).
func NewError(to jid.JID, thread string, body []message.Message, errType ErrType, code int) Envelope {
	return Envelope{
		To:      to,
		Thread:  thread,
		Body:    body,
		IsError: true,
		ErrCode: code,
		ErrType: errType,
	}
}

// wireEnvelope is the serialized document shape (spec.md §4.2): to/from and
// friends are plain attributes, thread/body are element-valued (kept as
// plain JSON strings here — the wire syntax is not pinned by spec.md beyond
// what §6 fixes, see DESIGN.md Open Questions).
type wireEnvelope struct {
	To            string `json:"to"`
	From          string `json:"from,omitempty"`
	RouterFrom    string `json:"router_from,omitempty"`
	Thread        string `json:"thread"`
	Body          string `json:"body"`
	OsrfXID       string `json:"osrf_xid,omitempty"`
	RouterCommand string `json:"router_command,omitempty"`
	RouterClass   string `json:"router_class,omitempty"`
	Type          string `json:"type,omitempty"`
	ErrCode       int    `json:"err_code,omitempty"`
	ErrType       string `json:"err_type,omitempty"`
}

// Marshal serializes e to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	bodyRaw, err := json.Marshal(e.Body)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		To:            e.To.String(),
		Thread:        e.Thread,
		Body:          string(bodyRaw),
		OsrfXID:       e.OsrfXID,
		RouterCommand: string(e.RouterCommand),
		RouterClass:   e.RouterClass,
	}
	if !e.From.IsZero() {
		w.From = e.From.String()
	}
	if !e.RouterFrom.IsZero() {
		w.RouterFrom = e.RouterFrom.String()
	}
	if e.IsError {
		w.Type = "error"
		w.ErrCode = e.ErrCode
		w.ErrType = string(e.ErrType)
	}
	return json.Marshal(w)
}

// Unmarshal parses the wire form back into an Envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		Thread:        w.Thread,
		OsrfXID:       w.OsrfXID,
		RouterCommand: RouterCommand(w.RouterCommand),
		RouterClass:   w.RouterClass,
	}
	var err error
	if w.To != "" {
		if e.To, err = jid.Parse(w.To); err != nil {
			return Envelope{}, err
		}
	}
	if w.From != "" {
		if e.From, err = jid.Parse(w.From); err != nil {
			return Envelope{}, err
		}
	}
	if w.RouterFrom != "" {
		if e.RouterFrom, err = jid.Parse(w.RouterFrom); err != nil {
			return Envelope{}, err
		}
	}
	if w.Body != "" {
		if err := json.Unmarshal([]byte(w.Body), &e.Body); err != nil {
			return Envelope{}, err
		}
	}
	if w.Type == "error" {
		e.IsError = true
		e.ErrCode = w.ErrCode
		e.ErrType = ErrType(w.ErrType)
	}
	return e, nil
}
