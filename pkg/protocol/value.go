package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind is the JSON type tag of a Value.
type ValueKind string

const (
	KindAbsent ValueKind = ""
	KindNull   ValueKind = "null"
	KindObject ValueKind = "object"
	KindArray  ValueKind = "array"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "boolean"
)

// Value is an opaque, already-validated JSON document. The zero Value is
// absent and marshals as null.
type Value struct {
	raw json.RawMessage
}

// NewValue encodes v into a Value.
func NewValue(v interface{}) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("%w: encode value: %v", ErrValidation, err)
	}
	return Value{raw: data}, nil
}

// MustValue is NewValue for literals known to encode.
func MustValue(v interface{}) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ParseValue validates data as a single JSON document.
func ParseValue(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Value{}, nil
	}
	if !json.Valid(trimmed) {
		return Value{}, fmt.Errorf("%w: malformed JSON payload", ErrValidation)
	}
	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return Value{raw: out}, nil
}

// Kind reports the JSON type of the value.
func (v Value) Kind() ValueKind {
	if len(v.raw) == 0 {
		return KindAbsent
	}
	switch v.raw[0] {
	case '{':
		return KindObject
	case '[':
		return KindArray
	case '"':
		return KindString
	case 't', 'f':
		return KindBool
	case 'n':
		return KindNull
	default:
		return KindNumber
	}
}

// IsAbsent reports whether the value was never set.
func (v Value) IsAbsent() bool {
	return len(v.raw) == 0
}

// Raw returns the encoded document. Absent values return "null".
func (v Value) Raw() json.RawMessage {
	if len(v.raw) == 0 {
		return json.RawMessage("null")
	}
	return v.raw
}

// Decode unmarshals the value into out.
func (v Value) Decode(out interface{}) error {
	if err := json.Unmarshal(v.Raw(), out); err != nil {
		return fmt.Errorf("%w: decode value: %v", ErrValidation, err)
	}
	return nil
}

// Object decodes an object value. Absent and null values yield an empty map.
func (v Value) Object() (map[string]interface{}, error) {
	switch v.Kind() {
	case KindAbsent, KindNull:
		return map[string]interface{}{}, nil
	case KindObject:
		out := map[string]interface{}{}
		if err := v.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: expected JSON object, got %s", ErrValidation, v.Kind())
	}
}

// Equal compares two values by their decoded content.
func (v Value) Equal(other Value) bool {
	var a, b interface{}
	if err := json.Unmarshal(v.Raw(), &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other.Raw(), &b); err != nil {
		return false
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Equal(ja, jb)
}

// String returns the encoded document.
func (v Value) String() string {
	return string(v.Raw())
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Raw(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
