package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BodyKind tells opaque and structured bodies apart
type BodyKind int

const (
	// BodyEmpty is a message without payload
	BodyEmpty BodyKind = iota
	// BodyBytes is an opaque byte payload
	BodyBytes
	// BodyFields is a structured key/value payload
	BodyFields
)

func (k BodyKind) String() string {
	switch k {
	case BodyBytes:
		return "bytes"
	case BodyFields:
		return "fields"
	default:
		return "empty"
	}
}

// Body holds either an opaque payload or structured fields, never both
type Body struct {
	kind   BodyKind
	data   []byte
	fields map[string]any
}

// BytesBody wraps an opaque payload
func BytesBody(data []byte) Body {
	if data == nil {
		return Body{}
	}
	return Body{kind: BodyBytes, data: bytes.Clone(data)}
}

// FieldsBody wraps structured fields. Nested maps and slices of the JSON
// shapes (map[string]any and []any) are copied; other values are shared.
func FieldsBody(fields map[string]any) Body {
	if fields == nil {
		return Body{}
	}
	return Body{kind: BodyFields, fields: cloneFields(fields)}
}

// Kind returns the body kind
func (b Body) Kind() BodyKind {
	return b.kind
}

// Raw returns the opaque payload for byte bodies and nil otherwise
func (b Body) Raw() []byte {
	return bytes.Clone(b.data)
}

// Fields returns a copy of the structured fields for field bodies and nil
// otherwise
func (b Body) Fields() map[string]any {
	return cloneFields(b.fields)
}

// String renders byte bodies as text and field bodies as JSON
func (b Body) String() string {
	data, err := b.Bytes()
	if err != nil {
		return fmt.Sprintf("<%s body: %v>", b.kind, err)
	}
	return string(data)
}

// Bytes encodes the body for the wire. Structured bodies are encoded as JSON.
func (b Body) Bytes() ([]byte, error) {
	switch b.kind {
	case BodyBytes:
		return bytes.Clone(b.data), nil
	case BodyFields:
		data, err := json.Marshal(b.fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured body: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// Len returns the encoded size of the body
func (b Body) Len() int {
	if b.kind == BodyBytes {
		return len(b.data)
	}
	data, _ := b.Bytes()
	return len(data)
}

// DecodeFields parses a JSON object payload into a structured body
func DecodeFields(data []byte) (Body, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Body{}, fmt.Errorf("failed to decode structured body: %w", err)
	}
	return FieldsBody(fields), nil
}

func (b Body) clone() Body {
	return Body{kind: b.kind, data: bytes.Clone(b.data), fields: cloneFields(b.fields)}
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
