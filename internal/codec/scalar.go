package codec

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"shapecodec/internal/shape/types"

	smithytime "github.com/aws/smithy-go/time"
)

// Scalar converts a record value to the canonical Go type of a scalar kind:
// string, int32, int64, float32, float64, bool, time.Time or []byte.
func Scalar(kind types.Kind, v any, path string) (any, error) {
	v = Indirect(v)
	rv := reflect.ValueOf(v)

	switch kind {
	case types.String:
		if s, ok := v.(string); ok {
			return s, nil
		}
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case types.Integer:
		if n, ok := toInt64(rv); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, &EncodingError{Path: path, Kind: kind, Reason: fmt.Sprintf("value %d overflows int32", n)}
			}
			return int32(n), nil
		}
	case types.Long:
		if n, ok := toInt64(rv); ok {
			return n, nil
		}
	case types.Float:
		if f, ok := toFloat64(rv); ok {
			return float32(f), nil
		}
	case types.Double:
		if f, ok := toFloat64(rv); ok {
			return f, nil
		}
	case types.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case types.Timestamp:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	case types.Blob:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	default:
		return nil, &EncodingError{Path: path, Kind: kind, Reason: "not a scalar kind"}
	}
	return nil, TypeMismatch(path, kind, v)
}

func toInt64(rv reflect.Value) (int64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func toFloat64(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if n, ok := toInt64(rv); ok {
		return float64(n), true
	}
	return 0, false
}

// FormatText renders a canonical scalar as text for the query and XML forms
func FormatText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return formatFloat(float64(t), 32)
	case float64:
		return formatFloat(t, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return smithytime.FormatDateTime(t)
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// ParseText converts wire text to the canonical Go type of a scalar kind
func ParseText(kind types.Kind, text, path string) (any, error) {
	switch kind {
	case types.String:
		return text, nil
	case types.Integer:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid integer", Err: err}
		}
		return int32(n), nil
	case types.Long:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid long", Err: err}
		}
		return n, nil
	case types.Float:
		f, err := ParseFloat(text, 32)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid float", Err: err}
		}
		return float32(f), nil
	case types.Double:
		f, err := ParseFloat(text, 64)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid double", Err: err}
		}
		return f, nil
	case types.Boolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid boolean", Err: err}
		}
		return b, nil
	case types.Timestamp:
		return ParseTimestamp(text, path)
	case types.Blob:
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, &DecodingError{Path: path, Reason: "invalid base64 blob", Err: err}
		}
		return b, nil
	}
	return nil, &DecodingError{Path: path, Reason: fmt.Sprintf("kind %s is not a scalar", kind)}
}

// ParseFloat parses a float literal including the NaN and Infinity spellings
func ParseFloat(text string, bits int) (float64, error) {
	switch text {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(text, bits)
}

// ParseTimestamp accepts ISO-8601 date-times and epoch seconds
func ParseTimestamp(text, path string) (time.Time, error) {
	if t, err := smithytime.ParseDateTime(text); err == nil {
		return t, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, &DecodingError{Path: path, Reason: fmt.Sprintf("invalid timestamp %q", text)}
	}
	return FromEpochSeconds(f), nil
}

// FromEpochSeconds converts fractional epoch seconds to a UTC time rounded to
// the nearest millisecond
func FromEpochSeconds(secs float64) time.Time {
	return time.UnixMilli(int64(math.Round(secs * 1e3))).UTC()
}
