package codec

import (
	"fmt"

	"shapecodec/internal/shape/types"
)

// EncodingError reports a record value that does not match its schema
type EncodingError struct {
	// Path locates the value, e.g. "Tags[2].Key"
	Path string
	Kind types.Kind
	// Reason describes the mismatch
	Reason string
	Err    error
}

func (e *EncodingError) Error() string {
	msg := fmt.Sprintf("encode %s (%s): %s", e.Path, e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// TypeMismatch builds an EncodingError for a value of the wrong runtime type
func TypeMismatch(path string, kind types.Kind, v any) *EncodingError {
	return &EncodingError{Path: path, Kind: kind, Reason: fmt.Sprintf("unexpected value type %T", v)}
}

// DecodingError reports a wire payload that cannot be bound to its schema
type DecodingError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecodingError) Error() string {
	msg := "decode"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// InvalidEnumValueError reports a missing, empty or unknown enum value
type InvalidEnumValueError struct {
	Enum  string
	Value string
	// Missing is set when no value was supplied at all
	Missing bool
}

func (e *InvalidEnumValueError) Error() string {
	if e.Missing {
		return fmt.Sprintf("enum %s: value is missing", e.Enum)
	}
	if e.Value == "" {
		return fmt.Sprintf("enum %s: value is empty", e.Enum)
	}
	return fmt.Sprintf("enum %s: invalid value %q", e.Enum, e.Value)
}

// FieldPath joins a structure path and a field name
func FieldPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// IndexPath appends a list index to a path
func IndexPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}

// KeyPath appends a map key to a path
func KeyPath(parent, key string) string {
	return fmt.Sprintf("%s[%q]", parent, key)
}
