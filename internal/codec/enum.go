package codec

import (
	"fmt"
	"reflect"

	"shapecodec/internal/shape/types"
)

// FromValue validates value against the enum and returns the matching member.
// A nil, empty or unknown value fails with *InvalidEnumValueError; nothing is
// coerced to a default.
func FromValue(value any, e *types.EnumShape) (string, error) {
	if isNil(value) {
		return "", &InvalidEnumValueError{Enum: e.Name, Missing: true}
	}
	s, ok := enumString(value)
	if !ok {
		return "", &InvalidEnumValueError{Enum: e.Name, Value: fmt.Sprint(value)}
	}
	if s == "" {
		return "", &InvalidEnumValueError{Enum: e.Name}
	}
	for _, v := range e.Values {
		if v == s {
			return v, nil
		}
	}
	return "", &InvalidEnumValueError{Enum: e.Name, Value: s}
}

func enumString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	}
	// Named string types such as generated enum constants
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}
