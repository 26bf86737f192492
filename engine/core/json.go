package core

import "encoding/json"

// JSON is an opaque JSON value. Catalog rows store many fields as opaque
// blobs (*_config, metadata); JSON keeps them typed at the boundary instead
// of leaking untyped maps into business logic.
type JSON json.RawMessage

// NullJSON is the canonical empty value, serialized as SQL NULL / JSON null.
var NullJSON = JSON(nil)

// MarshalJSON satisfies json.Marshaler.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON satisfies json.Unmarshaler.
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[0:0], data...)
	return nil
}

// IsEmpty reports whether the value carries no data.
func (j JSON) IsEmpty() bool {
	return len(j) == 0 || string(j) == "null"
}

// NewJSON marshals v into a JSON value.
func NewJSON(v any) (JSON, error) {
	if v == nil {
		return NullJSON, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewError(KindInvalid, "marshaling json", err)
	}
	return JSON(b), nil
}

// As unmarshals the value into dst.
func (j JSON) As(dst any) error {
	if j.IsEmpty() {
		return nil
	}
	if err := json.Unmarshal(j, dst); err != nil {
		return NewError(KindInvalid, "unmarshaling json", err)
	}
	return nil
}

// String returns the field named key from a JSON object, or "" if absent or
// not a string. Convenience accessor for shallow config lookups at call
// sites that would otherwise unmarshal into map[string]any themselves.
func (j JSON) String(key string) string {
	var m map[string]any
	if err := j.As(&m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Float64 returns the field named key as a float64, or ok=false if absent or
// not numeric.
func (j JSON) Float64(key string) (float64, bool) {
	var m map[string]any
	if err := j.As(&m); err != nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}

// Bool returns the field named key as a bool, or ok=false if absent or not a
// bool.
func (j JSON) Bool(key string) (bool, bool) {
	var m map[string]any
	if err := j.As(&m); err != nil {
		return false, false
	}
	v, ok := m[key].(bool)
	return v, ok
}

// Map returns the value decoded as a generic map, for call sites (e.g. the
// CEL expression evaluator) that genuinely need dynamic access.
func (j JSON) Map() map[string]any {
	var m map[string]any
	_ = j.As(&m)
	if m == nil {
		m = map[string]any{}
	}
	return m
}
