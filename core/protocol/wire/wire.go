// Package wire defines the JSON envelope exchanged over the bus and the reply
// written to the response store.
//
// Producers may gzip the encoded bytes. Consumers accept a decoded map, a JSON
// string, or JSON bytes (optionally gzipped) and decode all of them to the same
// Message.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// FieldRequestID carries the correlation id inside every message body.
const FieldRequestID = "request_id"

// Reply statuses.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

var (
	ErrEmptyPayload     = errors.New("wire: empty payload")
	ErrNotObject        = errors.New("wire: payload is not a JSON object")
	ErrUnsupportedShape = errors.New("wire: unsupported payload shape")
	ErrTooLarge         = errors.New("wire: decoded payload too large")
)

// MaxDecodedBytes caps the size a gzipped payload may expand to.
const MaxDecodedBytes = 1 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Message is one bus payload: a JSON object with at least request_id.
type Message map[string]any

// RequestID returns the correlation id, or "" when absent.
func (m Message) RequestID() string {
	if m == nil {
		return ""
	}
	switch v := m[FieldRequestID].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// String returns the named field as a trimmed string.
func (m Message) String(key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int returns the named field as an int64, accepting JSON numbers and numeric
// strings. ok is false when the field is missing or not numeric.
func (m Message) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		var n int64
		if _, err := fmt.Sscan(strings.TrimSpace(v), &n); err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Float returns the named field as a float64, accepting JSON numbers and
// numeric strings.
func (m Message) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscan(strings.TrimSpace(v), &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Reply is the worker's answer stored under the correlation id.
type Reply struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	// Code classifies an invalid reply (not_found, conflict, ...).
	Code string `json:"code,omitempty"`
}

// Valid reports whether the worker completed the operation.
func (r *Reply) Valid() bool {
	return r != nil && r.Status == StatusValid
}

// Decode unmarshals the reply payload into out.
func (r *Reply) Decode(out any) error {
	if r == nil {
		return ErrEmptyPayload
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("wire: re-encode payload: %w", err)
	}
	return json.Unmarshal(data, out)
}

// Encode canonicalizes msg to JSON and gzips it when compress is set.
func Encode(msg Message, compress bool) ([]byte, error) {
	if msg == nil {
		return nil, ErrEmptyPayload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if !compress {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("wire: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode accepts any of the shapes a message may arrive in.
func Decode(raw any) (Message, error) {
	switch v := raw.(type) {
	case nil:
		return nil, ErrEmptyPayload
	case Message:
		return v, nil
	case map[string]any:
		return Message(v), nil
	case string:
		return decodeBytes([]byte(v), 0)
	case []byte:
		return decodeBytes(v, 0)
	case json.RawMessage:
		return decodeBytes(v, 0)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, raw)
	}
}

// decodeBytes handles gzip framing and one level of JSON string wrapping, which
// is what a producer that serializes an already-serialized body emits.
func decodeBytes(data []byte, depth int) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip: %w", err)
		}
		defer zr.Close()
		plain, err := io.ReadAll(io.LimitReader(zr, MaxDecodedBytes+1))
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip: %w", err)
		}
		if len(plain) > MaxDecodedBytes {
			return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, MaxDecodedBytes)
		}
		data = bytes.TrimSpace(plain)
	}
	if len(data) > 0 && data[0] == '"' && depth == 0 {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("wire: decode string: %w", err)
		}
		return decodeBytes([]byte(inner), depth+1)
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return msg, nil
}

// EncodeReply serializes a reply for the response store.
func EncodeReply(r *Reply) ([]byte, error) {
	if r == nil {
		return nil, ErrEmptyPayload
	}
	return json.Marshal(r)
}

// DecodeReply parses a stored reply.
func DecodeReply(data []byte) (*Reply, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: decode reply: %w", err)
	}
	return &r, nil
}
