// Package message implements the OsrfMessage protocol PDU: the unit carried
// inside an Envelope body (spec.md §3, §4.3).
package message

import "encoding/json"

// Type is the PDU discriminant.
type Type string

const (
	TypeConnect    Type = "CONNECT"
	TypeRequest    Type = "REQUEST"
	TypeResult     Type = "RESULT"
	TypeStatus     Type = "STATUS"
	TypeDisconnect Type = "DISCONNECT"
)

// StatusCode is the numeric code carried by a STATUS payload.
type StatusCode int

const (
	StatusContinue   StatusCode = 100
	StatusOK         StatusCode = 200
	StatusComplete   StatusCode = 205
	StatusRedirected StatusCode = 307
	StatusTimeout    StatusCode = 408
	StatusNotFound   StatusCode = 404
	StatusExpFailed  StatusCode = 417
	StatusInternal   StatusCode = 500
)

// IsMethodError reports whether code is a 4xx/5xx method-error code as seen
// from the caller's perspective (spec.md §4.3).
func (c StatusCode) IsMethodError() bool {
	return c >= 400 && c < 600
}

// ContentKind discriminates the three RESULT content shapes.
type ContentKind string

const (
	ContentFull             ContentKind = "full"
	ContentPartial          ContentKind = "partial"
	ContentPartialComplete  ContentKind = "partial_complete"
)

// RequestPayload is the payload carried by a REQUEST PDU.
type RequestPayload struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// ResultPayload is the payload carried by a RESULT PDU. Content holds a full
// JSON-able value for ContentFull, a string fragment for ContentPartial, and
// is unused (nil) for ContentPartialComplete.
type ResultPayload struct {
	Status     string      `json:"status"`
	StatusCode int         `json:"statusCode"`
	Content    interface{} `json:"content,omitempty"`
	Kind       ContentKind `json:"-"`
}

// StatusPayload is the payload carried by a STATUS PDU.
type StatusPayload struct {
	Status     string     `json:"status"`
	StatusCode StatusCode `json:"statusCode"`
}

// Message is a single OsrfMessage PDU.
type Message struct {
	ThreadTrace int         `json:"threadTrace"`
	Type        Type        `json:"type"`
	Payload     interface{} `json:"payload,omitempty"`
	Locale      string      `json:"locale,omitempty"`
	TZ          string      `json:"tz,omitempty"`
	Ingress     string      `json:"ingress,omitempty"`
	APILevel    int         `json:"api_level,omitempty"`
}

// NewRequest builds a REQUEST PDU.
func NewRequest(threadTrace int, method string, params []interface{}) Message {
	return Message{
		ThreadTrace: threadTrace,
		Type:        TypeRequest,
		Payload:     RequestPayload{Method: method, Params: params},
	}
}

// NewConnect builds a CONNECT PDU.
func NewConnect(threadTrace int) Message {
	return Message{ThreadTrace: threadTrace, Type: TypeConnect}
}

// NewDisconnect builds a DISCONNECT PDU.
func NewDisconnect(threadTrace int) Message {
	return Message{ThreadTrace: threadTrace, Type: TypeDisconnect}
}

// NewResult builds a full-content RESULT PDU.
func NewResult(threadTrace int, content interface{}) Message {
	return Message{
		ThreadTrace: threadTrace,
		Type:        TypeResult,
		Payload: ResultPayload{
			Status:     "OK",
			StatusCode: int(StatusOK),
			Content:    content,
			Kind:       ContentFull,
		},
	}
}

// NewPartial builds a PARTIAL chunk RESULT PDU carrying a JSON fragment.
func NewPartial(threadTrace int, fragment string) Message {
	return Message{
		ThreadTrace: threadTrace,
		Type:        TypeResult,
		Payload: ResultPayload{
			Content: fragment,
			Kind:    ContentPartial,
		},
	}
}

// NewPartialComplete builds the PARTIAL_COMPLETE sentinel that terminates a
// chunked RESULT.
func NewPartialComplete(threadTrace int) Message {
	return Message{
		ThreadTrace: threadTrace,
		Type:        TypeResult,
		Payload: ResultPayload{
			Kind: ContentPartialComplete,
		},
	}
}

// NewStatus builds a STATUS PDU.
func NewStatus(threadTrace int, code StatusCode, status string) Message {
	return Message{
		ThreadTrace: threadTrace,
		Type:        TypeStatus,
		Payload:     StatusPayload{Status: status, StatusCode: code},
	}
}

// wireMessage is the on-the-wire shape; Payload is kept as raw JSON so it can
// be re-decoded according to Type once it is known.
type wireMessage struct {
	ThreadTrace int             `json:"threadTrace"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	TZ          string          `json:"tz,omitempty"`
	Ingress     string          `json:"ingress,omitempty"`
	APILevel    int             `json:"api_level,omitempty"`
}

// wireResultPayload mirrors ResultPayload but lets Content arrive as either
// a string (PARTIAL) or any JSON value (full RESULT), or be absent
// (PARTIAL_COMPLETE).
type wireResultPayload struct {
	Status     string          `json:"status,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON renders m using the wire shape, encoding Payload by Type.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ThreadTrace: m.ThreadTrace,
		Type:        m.Type,
		Locale:      m.Locale,
		TZ:          m.TZ,
		Ingress:     m.Ingress,
		APILevel:    m.APILevel,
	}
	if m.Payload != nil {
		switch p := m.Payload.(type) {
		case ResultPayload:
			raw, err := marshalResultContent(p)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		default:
			raw, err := json.Marshal(m.Payload)
			if err != nil {
				return nil, err
			}
			w.Payload = raw
		}
	}
	return json.Marshal(w)
}

func marshalResultContent(p ResultPayload) (json.RawMessage, error) {
	wp := wireResultPayload{Content: json.RawMessage("null")}
	// Only a full RESULT carries status/statusCode; PARTIAL and
	// PARTIAL_COMPLETE chunks never do, which is how the receiver tells
	// a full string-valued RESULT apart from a PARTIAL fragment.
	if p.Kind == ContentFull {
		wp.Status = p.Status
		wp.StatusCode = p.StatusCode
	}
	if p.Kind != ContentPartialComplete {
		raw, err := json.Marshal(p.Content)
		if err != nil {
			return nil, err
		}
		wp.Content = raw
	}
	return json.Marshal(wp)
}

// UnmarshalJSON decodes m from the wire shape, dispatching Payload decoding
// on Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ThreadTrace = w.ThreadTrace
	m.Type = w.Type
	m.Locale = w.Locale
	m.TZ = w.TZ
	m.Ingress = w.Ingress
	m.APILevel = w.APILevel
	m.Payload = nil
	if len(w.Payload) == 0 {
		return nil
	}
	switch w.Type {
	case TypeRequest:
		var p RequestPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		m.Payload = p
	case TypeResult:
		var wp wireResultPayload
		if err := json.Unmarshal(w.Payload, &wp); err != nil {
			return err
		}
		p := ResultPayload{Status: wp.Status, StatusCode: wp.StatusCode}
		isFull := wp.Status != ""
		switch {
		case isFull:
			p.Kind = ContentFull
			if len(wp.Content) > 0 {
				var v interface{}
				if err := json.Unmarshal(wp.Content, &v); err != nil {
					return err
				}
				p.Content = v
			}
		case len(wp.Content) == 0 || string(wp.Content) == "null":
			p.Kind = ContentPartialComplete
		default:
			p.Kind = ContentPartial
			var s string
			if err := json.Unmarshal(wp.Content, &s); err != nil {
				return err
			}
			p.Content = s
		}
		m.Payload = p
	case TypeStatus:
		var p StatusPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		m.Payload = p
	default:
		var v interface{}
		if err := json.Unmarshal(w.Payload, &v); err != nil {
			return err
		}
		m.Payload = v
	}
	return nil
}
