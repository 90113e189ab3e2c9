// Package payload implements a tagged JSON value for the loosely-typed,
// arbitrarily nested record bodies carried by forensic events.
//
// A Value keeps numbers as their literal text so that a payload survives a
// decode/encode cycle byte-for-byte where possible, and its canonical form
// (sorted keys, compact) is stable regardless of the key order of the input.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind is the JSON type of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
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
		return "invalid"
	}
}

// Value is an immutable-by-convention JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	s    string // string contents or number literal
	arr  []Value
	obj  map[string]Value
}

func NullValue() Value           { return Value{} }
func BoolValue(b bool) Value     { return Value{kind: Bool, b: b} }
func StringValue(s string) Value { return Value{kind: String, s: s} }

// NumberValue wraps a JSON number literal. The literal is not validated.
func NumberValue(lit json.Number) Value { return Value{kind: Number, s: string(lit)} }

func IntValue(n int64) Value { return Value{kind: Number, s: strconv.FormatInt(n, 10)} }

func ArrayValue(items ...Value) Value { return Value{kind: Array, arr: items} }

// ObjectValue builds an object from m. The map is used as-is.
func ObjectValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: Object, obj: m}
}

// EmptyObject returns {}.
func EmptyObject() Value { return ObjectValue(nil) }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == Null }
func (v Value) IsObject() bool { return v.kind == Object }

// Len returns the number of elements of an array or keys of an object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	}
	return 0
}

// Keys returns the sorted keys of an object.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field returns the member key of an object.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Items returns the elements of an array.
func (v Value) Items() []Value {
	if v.kind != Array {
		return nil
	}
	return v.arr
}

// Get follows a path of object keys.
func (v Value) Get(path ...string) (Value, bool) {
	cur := v
	for _, p := range path {
		next, ok := cur.Field(p)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Text returns the scalar as text: strings verbatim, numbers as their
// literal, booleans as true/false. Null, arrays and objects return "".
func (v Value) Text() string {
	switch v.kind {
	case String, Number:
		return v.s
	case Bool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// IsScalar reports whether v is a string, number or boolean.
func (v Value) IsScalar() bool {
	return v.kind == String || v.kind == Number || v.kind == Bool
}

// Parse decodes a single JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decode(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("payload: trailing data after JSON value")
	}
	return v, nil
}

func decode(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decode(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ArrayValue(items...), nil
		case '{':
			obj := map[string]Value{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("payload: object key is %T", keyTok)
				}
				val, err := decode(dec)
				if err != nil {
					return Value{}, err
				}
				obj[key] = val
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ObjectValue(obj), nil
		}
	}
	return Value{}, fmt.Errorf("payload: unexpected token %v", tok)
}

// FromInterface converts the output of encoding/json (or any tree of maps,
// slices and scalars) into a Value.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case float64:
		return Value{kind: Number, s: strconv.FormatFloat(t, 'g', -1, 64)}, nil
	case float32:
		return Value{kind: Number, s: strconv.FormatFloat(float64(t), 'g', -1, 32)}, nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case int32:
		return IntValue(int64(t)), nil
	case uint64:
		return Value{kind: Number, s: strconv.FormatUint(t, 10)}, nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			item, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return ArrayValue(items...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			items = append(items, StringValue(e))
		}
		return ArrayValue(items...), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			val, err := FromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = val
		}
		return ObjectValue(obj), nil
	case map[string]string:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = StringValue(e)
		}
		return ObjectValue(obj), nil
	}
	return Value{}, fmt.Errorf("payload: unsupported type %T", x)
}

// Interface converts v to plain Go values: map[string]any, []any, string,
// bool, json.Number and nil.
func (v Value) Interface() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return json.Number(v.s)
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON writes the canonical form.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeCanonical(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Canonical returns the compact, sorted-key serialization used for hashing.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	// writeCanonical only fails on invalid number literals, which Parse and
	// FromInterface never produce.
	_ = v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) error {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		if v.s == "" {
			return fmt.Errorf("payload: empty number literal")
		}
		buf.WriteString(v.s)
	case String:
		writeString(buf, v.s)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := v.obj[k].writeCanonical(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	// json.Marshal on a string cannot fail.
	b, _ := json.Marshal(s)
	buf.Write(b)
}
