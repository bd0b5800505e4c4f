package envelope

import (
	"encoding/json"

	"v.io/v23/verror"
)

const codecPkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"

var errUnknownClass = verror.Register(codecPkgPath+".errUnknownClass", verror.NoRetry, "{1:}{2:} unknown class hint {3}{:_}")

// classHint is the wire shape of a tagged value: an object carrying both a
// class name under "__c" and its payload under "__p" (spec.md §4.2). This
// convention is shared across every OpenSRF language binding and must be
// preserved exactly.
type classHint struct {
	Class   string          `json:"__c"`
	Payload json.RawMessage `json:"__p"`
}

// Hinted is implemented by in-memory values that should round-trip through
// the wire with a class hint rather than as a bare JSON value.
type Hinted interface {
	OsrfClass() string
	OsrfPayload() interface{}
}

// Factory builds a Hinted value of a registered class from its decoded
// payload.
type Factory func(payload json.RawMessage) (interface{}, error)

// Codec maps between in-memory values and their JSON wire representation,
// preserving the class-hint convention on both directions.
type Codec struct {
	factories map[string]Factory
}

// NewCodec returns a Codec with no classes registered; plain values still
// encode/decode normally, only tagged classes need registration.
func NewCodec() *Codec {
	return &Codec{factories: make(map[string]Factory)}
}

// Register associates a class name with a Factory used to decode it.
func (c *Codec) Register(class string, f Factory) {
	c.factories[class] = f
}

// Encode marshals v to JSON, wrapping it in the __c/__p convention if v
// implements Hinted.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	if h, ok := v.(Hinted); ok {
		payload, err := json.Marshal(h.OsrfPayload())
		if err != nil {
			return nil, err
		}
		return json.Marshal(classHint{Class: h.OsrfClass(), Payload: payload})
	}
	return json.Marshal(v)
}

// Decode parses data, recognizing the __c/__p convention and dispatching to
// the registered Factory for that class; values with no class hint decode
// into the generic interface{} produced by encoding/json.
func (c *Codec) Decode(data []byte) (interface{}, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if classRaw, okC := probe["__c"]; okC {
			if payloadRaw, okP := probe["__p"]; okP {
				var class string
				if err := json.Unmarshal(classRaw, &class); err != nil {
					return nil, err
				}
				factory, ok := c.factories[class]
				if !ok {
					return nil, verror.New(errUnknownClass, nil, class)
				}
				return factory(payloadRaw)
			}
		}
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
