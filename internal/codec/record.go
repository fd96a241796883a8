package codec

import (
	"fmt"
	"reflect"
	"sort"

	"shapecodec/internal/shape/types"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is a structure value keyed by field name. The codec never keeps a
// record after the call that received or produced it returns.
type Record map[string]any

// Map is an insertion-ordered map value; keys are never reordered
type Map = orderedmap.OrderedMap[string, any]

// NewMap creates an empty map value
func NewMap() *Map {
	return orderedmap.New[string, any]()
}

// MapOf builds a map value from alternating key/value pairs
func MapOf(kv ...any) *Map {
	m := NewMap()
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return m
}

// Resolver looks up the shapes and enums a format walks through
type Resolver interface {
	Lookup(name string) (*types.Shape, error)
	LookupEnum(name string) (*types.EnumShape, error)
}

// Entry is one key/value pair of a map value
type Entry struct {
	Key   string
	Value any
}

// IsNil reports whether v counts as an absent value
func IsNil(v any) bool {
	return isNil(v)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Indirect dereferences pointers until it reaches a non-pointer value
func Indirect(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		if _, ok := rv.Interface().(*Map); ok {
			return rv.Interface()
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

// AsRecord returns v as a structure value
func AsRecord(v any) (Record, bool) {
	switch r := Indirect(v).(type) {
	case Record:
		return r, true
	case map[string]any:
		return Record(r), true
	}
	return nil, false
}

// AsList returns v as a list value. Byte slices are blobs, not lists.
func AsList(v any) ([]any, bool) {
	v = Indirect(v)
	switch l := v.(type) {
	case []any:
		return l, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// MapEntries returns the entries of a map value. Ordered maps keep their
// insertion order; plain Go maps are walked in sorted key order.
func MapEntries(v any) ([]Entry, bool) {
	v = Indirect(v)
	if m, ok := v.(*Map); ok {
		entries := make([]Entry, 0, m.Len())
		for pair := m.Oldest(); pair != nil; pair = pair.Next() {
			entries = append(entries, Entry{Key: pair.Key, Value: pair.Value})
		}
		return entries, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	// Record is a structure, never a map value
	if _, ok := v.(Record); ok {
		return nil, false
	}
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = Entry{Key: k.String(), Value: rv.MapIndex(k).Interface()}
	}
	return entries, true
}

// EnumValue validates a record value against the enum named by ref
func EnumValue(res Resolver, ref types.TypeRef, v any, path string) (string, error) {
	e, err := res.LookupEnum(ref.ShapeRef)
	if err != nil {
		return "", err
	}
	s, err := FromValue(v, e)
	if err != nil {
		return "", &EncodingError{Path: path, Kind: types.Enum, Reason: "invalid enum value", Err: err}
	}
	return s, nil
}
