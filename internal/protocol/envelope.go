package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Envelope is the transport-level unit. Every inbound and outbound frame is
// one envelope; the payload is opaque until a handler decodes it.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

var (
	// ErrMalformed is returned for frames that are not valid envelope JSON
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingType is returned for envelopes without a type field
	ErrMissingType = errors.New("envelope missing type")
)

// New builds an envelope around a payload value, stamped with the current time.
func New(msgType string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: msgType, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// Decode parses a raw frame into an envelope. The type field is sniffed with
// gjson first so junk frames are rejected before a full unmarshal.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, ErrMalformed
	}
	t := gjson.GetBytes(data, "type")
	if !t.Exists() || t.String() == "" {
		return Envelope{}, ErrMissingType
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return json.Marshal(env)
}

// DecodePayload unmarshals the payload into a typed value.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return ErrMalformed
	}
	return json.Unmarshal(env.Payload, v)
}
