package json

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/codec/wire"
	"shapecodec/internal/shape/types"

	smithyjson "github.com/aws/smithy-go/encoding/json"
	smithytime "github.com/aws/smithy-go/time"
)

// Format encodes records as JSON bodies and binds JSON bodies back to records
type Format struct {
	shapes codec.Resolver
}

// New creates a new JSON format over a shape resolver
func New(shapes codec.Resolver) *Format {
	return &Format{shapes: shapes}
}

// Protocol returns the protocol this format implements
func (f *Format) Protocol() types.Protocol {
	return types.JSON
}

// Encode walks the shape's fields in declaration order and writes every field
// present in rec. Unset fields are omitted. Nothing is returned on error.
func (f *Format) Encode(rec codec.Record, shapeName string) ([]byte, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}

	enc := smithyjson.NewEncoder()
	if err := f.encodeStructure(enc.Value, rec, s, ""); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func (f *Format) encodeStructure(value smithyjson.Value, rec codec.Record, s *types.Shape, path string) error {
	object := value.Object()
	defer object.Close()

	for _, field := range s.Fields {
		v, ok := rec[field.Name]
		fieldPath := codec.FieldPath(path, field.Name)
		if !ok || codec.IsNil(v) {
			if field.Required {
				return &codec.EncodingError{Path: fieldPath, Kind: field.Kind, Reason: "required field is missing"}
			}
			continue
		}
		if err := f.encodeValue(object.Key(field.Wire()), field.TypeRef, v, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

func (f *Format) encodeValue(value smithyjson.Value, ref types.TypeRef, v any, path string) error {
	switch ref.Kind {
	case types.Structure:
		rec, ok := codec.AsRecord(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return err
		}
		return f.encodeStructure(value, rec, s, path)

	case types.List:
		items, ok := codec.AsList(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		array := value.Array()
		defer array.Close()
		for i, item := range items {
			itemPath := codec.IndexPath(path, i)
			if codec.IsNil(item) {
				return &codec.EncodingError{Path: itemPath, Kind: ref.Member.Kind, Reason: "list element is null"}
			}
			if err := f.encodeValue(array.Value(), *ref.Member, item, itemPath); err != nil {
				return err
			}
		}
		return nil

	case types.Map:
		entries, ok := codec.MapEntries(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		object := value.Object()
		defer object.Close()
		for _, e := range entries {
			entryPath := codec.KeyPath(path, e.Key)
			if codec.IsNil(e.Value) {
				return &codec.EncodingError{Path: entryPath, Kind: ref.Member.Kind, Reason: "map value is null"}
			}
			if err := f.encodeValue(object.Key(e.Key), *ref.Member, e.Value, entryPath); err != nil {
				return err
			}
		}
		return nil

	case types.Enum:
		s, err := codec.EnumValue(f.shapes, ref, v, path)
		if err != nil {
			return err
		}
		value.String(s)
		return nil
	}

	scalar, err := codec.Scalar(ref.Kind, v, path)
	if err != nil {
		return err
	}
	switch t := scalar.(type) {
	case string:
		value.String(t)
	case int32:
		value.Integer(t)
	case int64:
		value.Long(t)
	case float32:
		if special, ok := nonFinite(float64(t)); ok {
			value.String(special)
		} else {
			value.Float(t)
		}
	case float64:
		if special, ok := nonFinite(t); ok {
			value.String(special)
		} else {
			value.Double(t)
		}
	case bool:
		value.Boolean(t)
	case time.Time:
		value.Double(smithytime.FormatEpochSeconds(t))
	case []byte:
		value.Base64EncodeBytes(t)
	}
	return nil
}

// nonFinite spells NaN and the infinities the way the JSON protocols expect
func nonFinite(f float64) (string, bool) {
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	}
	return "", false
}

// Decode parses data and binds the fields named by the shape. Unknown members
// are skipped. A payload whose top level is not an object decodes to a nil
// record without error.
func (f *Format) Decode(data []byte, shapeName string) (codec.Record, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}

	root, err := wire.ParseBytes(data)
	if err != nil {
		return nil, &codec.DecodingError{Reason: "malformed JSON", Err: err}
	}
	return f.Bind(root, s)
}

// Bind binds an already parsed payload to a shape
func (f *Format) Bind(root wire.Value, s *types.Shape) (codec.Record, error) {
	if root.Type != wire.Object {
		return nil, nil
	}
	return f.bindStructure(root, s, "")
}

func (f *Format) bindStructure(obj wire.Value, s *types.Shape, path string) (codec.Record, error) {
	rec := codec.Record{}
	for _, field := range s.Fields {
		member, ok := obj.Get(field.Wire())
		if !ok || member.Type == wire.Null {
			continue
		}
		fieldPath := codec.FieldPath(path, field.Name)
		v, err := f.bindValue(member, field.TypeRef, fieldPath)
		if err != nil {
			return nil, err
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (f *Format) bindValue(v wire.Value, ref types.TypeRef, path string) (any, error) {
	switch ref.Kind {
	case types.Structure:
		if v.Type != wire.Object {
			return nil, expected(path, "object", v)
		}
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return f.bindStructure(v, s, path)

	case types.List:
		if v.Type != wire.Array {
			return nil, expected(path, "array", v)
		}
		items := make([]any, 0, len(v.Items()))
		for i, item := range v.Items() {
			itemPath := codec.IndexPath(path, i)
			if item.Type == wire.Null {
				return nil, &codec.DecodingError{Path: itemPath, Reason: "null list element"}
			}
			bound, err := f.bindValue(item, *ref.Member, itemPath)
			if err != nil {
				return nil, err
			}
			items = append(items, bound)
		}
		return items, nil

	case types.Map:
		if v.Type != wire.Object {
			return nil, expected(path, "object", v)
		}
		m := codec.NewMap()
		for _, member := range v.Members() {
			if member.Value.Type == wire.Null {
				continue
			}
			bound, err := f.bindValue(member.Value, *ref.Member, codec.KeyPath(path, member.Key))
			if err != nil {
				return nil, err
			}
			m.Set(member.Key, bound)
		}
		return m, nil

	case types.Enum:
		if v.Type != wire.String {
			return nil, expected(path, "string", v)
		}
		e, err := f.shapes.LookupEnum(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return codec.FromValue(v.Str(), e)
	}

	return bindScalar(v, ref.Kind, path)
}

func bindScalar(v wire.Value, kind types.Kind, path string) (any, error) {
	switch kind {
	case types.String:
		if v.Type != wire.String {
			return nil, expected(path, "string", v)
		}
		return v.Str(), nil

	case types.Integer, types.Long:
		if v.Type != wire.Number {
			return nil, expected(path, "number", v)
		}
		return codec.ParseText(kind, v.Str(), path)

	case types.Float, types.Double:
		// NaN and Infinity travel as strings
		if v.Type != wire.Number && v.Type != wire.String {
			return nil, expected(path, "number", v)
		}
		return codec.ParseText(kind, v.Str(), path)

	case types.Boolean:
		if v.Type != wire.Bool {
			return nil, expected(path, "boolean", v)
		}
		return v.Bool(), nil

	case types.Timestamp:
		switch v.Type {
		case wire.Number:
			secs, err := strconv.ParseFloat(v.Str(), 64)
			if err != nil || math.IsInf(secs, 0) {
				return nil, &codec.DecodingError{Path: path, Reason: "invalid epoch timestamp", Err: err}
			}
			return codec.FromEpochSeconds(secs), nil
		case wire.String:
			return codec.ParseTimestamp(v.Str(), path)
		}
		return nil, expected(path, "timestamp", v)

	case types.Blob:
		if v.Type != wire.String {
			return nil, expected(path, "string", v)
		}
		b, err := base64.StdEncoding.DecodeString(v.Str())
		if err != nil {
			return nil, &codec.DecodingError{Path: path, Reason: "invalid base64 blob", Err: err}
		}
		return b, nil
	}
	return nil, &codec.DecodingError{Path: path, Reason: fmt.Sprintf("unsupported kind %s", kind)}
}

func expected(path, want string, v wire.Value) error {
	return &codec.DecodingError{Path: path, Reason: fmt.Sprintf("expected %s, got %s", want, v.Type)}
}
