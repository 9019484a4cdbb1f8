// Package proto defines the wire envelope exchanged with the relay.
// Wire format: one JSON object per websocket message, discriminated by "type",
// with the payload fields flattened next to it.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingType is returned by Parse when the object has no string "type".
var ErrMissingType = errors.New("proto: envelope has no type")

// Envelope is an immutable typed message unit. The zero value is not valid.
type Envelope struct {
	typ string
	raw json.RawMessage
}

// New builds an envelope of the given type. payload must marshal to a JSON
// object (or be nil); its fields are placed next to "type".
func New(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrMissingType
	}
	fields := map[string]json.RawMessage{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("proto: marshal %s payload: %w", typ, err)
		}
		if !bytes.Equal(b, []byte("null")) {
			if err := json.Unmarshal(b, &fields); err != nil {
				return Envelope{}, fmt.Errorf("proto: %s payload is not an object: %w", typ, err)
			}
		}
	}
	t, _ := json.Marshal(typ)
	fields["type"] = t
	raw, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: marshal %s envelope: %w", typ, err)
	}
	return Envelope{typ: typ, raw: raw}, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(typ string, payload any) Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Parse decodes one inbound websocket message.
func Parse(b []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Envelope{}, fmt.Errorf("proto: decode envelope: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, ErrMissingType
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	return Envelope{typ: head.Type, raw: raw}, nil
}

// Type returns the discriminator.
func (e Envelope) Type() string { return e.typ }

// Decode unmarshals the flattened payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.raw) == 0 {
		return ErrMissingType
	}
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("proto: decode %s payload: %w", e.typ, err)
	}
	return nil
}

// Bytes returns a copy of the wire encoding.
func (e Envelope) Bytes() []byte {
	out := make([]byte, len(e.raw))
	copy(out, e.raw)
	return out
}

// IsZero reports whether e was never built.
func (e Envelope) IsZero() bool { return e.typ == "" }

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return nil, ErrMissingType
	}
	return e.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Envelope) String() string { return string(e.raw) }

// NowMillis returns the current wall clock in unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
