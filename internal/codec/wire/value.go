// Package wire holds the untyped tree a JSON payload is parsed into before it
// is bound to a shape.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type is the JSON type of a Value
type Type uint8

const (
	Null Type = iota
	Object
	Array
	String
	Number
	Bool
)

func (t Type) String() string {
	switch t {
	case Null:
		return "null"
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	}
	return fmt.Sprintf("type(%d)", t)
}

// Member is one key/value pair of an object, in wire order
type Member struct {
	Key   string
	Value Value
}

// Value is a decoded but untyped payload node. Numbers keep their literal text
// so integer and floating point values are bound without loss.
type Value struct {
	Type    Type
	text    string
	b       bool
	items   []Value
	members []Member
}

// NewString returns a string value
func NewString(s string) Value { return Value{Type: String, text: s} }

// NewNumber returns a number value from its literal
func NewNumber(literal string) Value { return Value{Type: Number, text: literal} }

// NewBool returns a boolean value
func NewBool(b bool) Value { return Value{Type: Bool, b: b} }

// NewArray returns an array value
func NewArray(items ...Value) Value { return Value{Type: Array, items: items} }

// NewObject returns an object value
func NewObject(members ...Member) Value { return Value{Type: Object, members: members} }

// IsContainer reports whether v is an object or array
func (v Value) IsContainer() bool {
	return v.Type == Object || v.Type == Array
}

// Str returns the text of a string value or the literal of a number
func (v Value) Str() string { return v.text }

// Bool returns the value of a boolean
func (v Value) Bool() bool { return v.b }

// Items returns the elements of an array
func (v Value) Items() []Value { return v.items }

// Members returns the members of an object in wire order
func (v Value) Members() []Member { return v.members }

// Get returns the member named key. Later duplicates win.
func (v Value) Get(key string) (Value, bool) {
	for i := len(v.members) - 1; i >= 0; i-- {
		if v.members[i].Key == key {
			return v.members[i].Value, true
		}
	}
	return Value{}, false
}

// ParseBytes parses a complete JSON document. Empty input yields a Null value.
func ParseBytes(data []byte) (Value, error) {
	return Parse(bytes.NewReader(data))
}

// Parse reads one JSON document from r. Empty input yields a Null value.
func Parse(r io.Reader) (Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return Value{}, nil
	}
	if err != nil {
		return Value{}, err
	}
	v, err := parseValue(dec, tok)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			return Value{}, fmt.Errorf("unexpected data after top-level value")
		}
		return Value{}, err
	}
	return v, nil
}

func parseValue(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case string:
		return NewString(t), nil
	case json.Number:
		return NewNumber(t.String()), nil
	case bool:
		return NewBool(t), nil
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func parseObject(dec *json.Decoder) (Value, error) {
	obj := Value{Type: Object}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("unexpected object key %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return Value{}, err
		}
		v, err := parseValue(dec, tok)
		if err != nil {
			return Value{}, err
		}
		obj.members = append(obj.members, Member{Key: key, Value: v})
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}
	return obj, nil
}

func parseArray(dec *json.Decoder) (Value, error) {
	arr := Value{Type: Array, items: []Value{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		v, err := parseValue(dec, tok)
		if err != nil {
			return Value{}, err
		}
		arr.items = append(arr.items, v)
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}
	return arr, nil
}
