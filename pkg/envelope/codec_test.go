package envelope

import (
	"encoding/json"
	"testing"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

type fieldmapper struct {
	Fields map[string]interface{}
}

func (f fieldmapper) OsrfClass() string        { return "fieldmapper" }
func (f fieldmapper) OsrfPayload() interface{} { return f.Fields }

func TestCodecRoundTripTagged(t *testing.T) {
	c := NewCodec()
	c.Register("fieldmapper", func(payload json.RawMessage) (interface{}, error) {
		var fields map[string]interface{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
		return fieldmapper{Fields: fields}, nil
	})

	orig := fieldmapper{Fields: map[string]interface{}{"id": float64(1), "name": "bob"}}
	raw, err := c.Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	fm, ok := got.(fieldmapper)
	if !ok {
		t.Fatalf("Decode returned %T", got)
	}
	if fm.Fields["name"] != "bob" {
		t.Errorf("Fields = %v", fm.Fields)
	}
}

func TestCodecPlainValue(t *testing.T) {
	c := NewCodec()
	raw, err := c.Encode(42.0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != 42.0 {
		t.Errorf("got %v", got)
	}
}

func TestCodecUnknownClass(t *testing.T) {
	c := NewCodec()
	if _, err := c.Decode([]byte(`{"__c":"nope","__p":{}}`)); err == nil {
		t.Errorf("Decode succeeded for unregistered class")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	to, _ := jid.Parse("opensrf@private.localhost/simple-text_drone1")
	from, _ := jid.Parse("opensrf:client:opensrf:private.localhost:host1:1:abc")
	e := Envelope{
		To:     to,
		From:   from,
		Thread: "thread-1",
		Body: []message.Message{
			message.NewRequest(1, "opensrf.simple-text.reverse", []interface{}{"foo"}),
		},
		OsrfXID: "xid-1",
	}
	raw, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.To.String() != to.String() {
		t.Errorf("To = %v, want %v", got.To, to)
	}
	if got.Thread != "thread-1" {
		t.Errorf("Thread = %q", got.Thread)
	}
	if len(got.Body) != 1 {
		t.Fatalf("Body len = %d", len(got.Body))
	}
	if got.Body[0].Type != message.TypeRequest {
		t.Errorf("Body[0].Type = %v", got.Body[0].Type)
	}
}

func TestEnvelopeErrorRoundTrip(t *testing.T) {
	to, _ := jid.Parse("client@private.localhost/abc")
	e := NewError(to, "t1", nil, ErrTypeCancel, 501)
	raw, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.IsError || got.ErrCode != 501 || got.ErrType != ErrTypeCancel {
		t.Errorf("got %+v", got)
	}
}
