// ABOUTME: Tagged-union representation of loosely-typed JSON payloads.
// ABOUTME: Decodes API records into Null, Bool, Number, String, Array, and Object values.

package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Value is a sealed interface over the JSON value kinds.
// Only Null, Bool, Number, String, Array and Object implement it.
type Value interface {
	payloadValue()
}

// Null is the JSON null literal.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number keeps the literal text of a JSON number so that re-encoding an
// unchanged payload produces identical bytes.
type Number string

// String is a JSON string.
type String string

// Array is a JSON array.
type Array []Value

// Object is a JSON object. Iterate with SortedKeys for deterministic order.
type Object map[string]Value

func (Null) payloadValue()   {}
func (Bool) payloadValue()   {}
func (Number) payloadValue() {}
func (String) payloadValue() {}
func (Array) payloadValue()  {}
func (Object) payloadValue() {}

// Float64 parses the number literal.
func (n Number) Float64() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// Parse decodes a single JSON document into a Value.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to decode payload: trailing data after JSON value")
	}

	return FromAny(raw)
}

// ParseObject decodes a JSON document that must be an object.
func ParseObject(data []byte) (Object, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", Kind(v))
	}
	return obj, nil
}

// FromAny converts the output of encoding/json (decoded with UseNumber) or
// plain Go literals into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case json.Number:
		return Number(val.String()), nil
	case string:
		return String(val), nil
	case int:
		return Number(strconv.Itoa(val)), nil
	case int64:
		return Number(strconv.FormatInt(val, 10)), nil
	case float64:
		return Number(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			converted, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = converted
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			converted, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = converted
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// Kind names the JSON kind of v.
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// SortedKeys returns the object keys in ascending order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present with a non-null value.
func (o Object) Has(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	_, isNull := v.(Null)
	return !isNull && v != nil
}

// Str returns the string value at key, or "" when absent or not a string.
func (o Object) Str(key string) string {
	if s, ok := o[key].(String); ok {
		return string(s)
	}
	return ""
}

// Num returns the numeric value at key. ok is false when absent, null or not a number.
func (o Object) Num(key string) (value float64, ok bool) {
	n, isNum := o[key].(Number)
	if !isNum {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Truthy mirrors JSON truthiness for flags: true only for a boolean true.
func (o Object) Truthy(key string) bool {
	b, ok := o[key].(Bool)
	return ok && bool(b)
}

// Obj returns the nested object at key.
func (o Object) Obj(key string) (Object, bool) {
	nested, ok := o[key].(Object)
	return nested, ok
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Object) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*o = nil
		return nil
	}
	obj, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (o Object) MarshalJSON() ([]byte, error) {
	return Canonical(o)
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (a Array) MarshalJSON() ([]byte, error) {
	return Canonical(a)
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	return Canonical(n)
}
