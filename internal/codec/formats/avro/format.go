// Package avro maps shapes to Avro record schemas and records to the Avro
// binary encoding of those schemas.
//
// Every field is a ["null", T] union so absent fields survive a round trip.
// Enums travel as strings since enum values are not always valid Avro symbols,
// and timestamps as timestamp-millis longs.
package avro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/types"

	"github.com/hamba/avro/v2"
)

const bufSize = 512

// Format implements the avro protocol
type Format struct {
	shapes codec.Resolver
}

// New creates a new Avro format over a shape resolver
func New(shapes codec.Resolver) *Format {
	return &Format{shapes: shapes}
}

// Protocol returns the protocol this format implements
func (f *Format) Protocol() types.Protocol {
	return types.Avro
}

type recordSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Doc    string        `json:"doc,omitempty"`
	Fields []fieldSchema `json:"fields"`
}

type fieldSchema struct {
	Name    string `json:"name"`
	Type    any    `json:"type"`
	Default any    `json:"default"`
}

// SchemaJSON returns the Avro schema of a shape as JSON
func (f *Format) SchemaJSON(shapeName string) ([]byte, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}
	root, err := f.recordSchema(s, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(root)
}

// Schema returns the parsed Avro schema of a shape
func (f *Format) Schema(shapeName string) (avro.Schema, error) {
	data, err := f.SchemaJSON(shapeName)
	if err != nil {
		return nil, err
	}
	// A private cache keeps versions of the same record name from colliding
	schema, err := avro.ParseWithCache(string(data), "", &avro.SchemaCache{})
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return schema, nil
}

// recordSchema builds the record for s. Records already defined are referenced
// by name, which also terminates recursive shapes.
func (f *Format) recordSchema(s *types.Shape, defined map[string]bool) (any, error) {
	if defined[s.Name] {
		return s.Name, nil
	}
	defined[s.Name] = true

	rec := recordSchema{Type: "record", Name: s.Name, Doc: s.Documentation, Fields: make([]fieldSchema, 0, len(s.Fields))}
	for _, field := range s.Fields {
		t, err := f.typeSchema(field.TypeRef, defined)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		rec.Fields = append(rec.Fields, fieldSchema{Name: field.Name, Type: []any{"null", t}})
	}
	return rec, nil
}

func (f *Format) typeSchema(ref types.TypeRef, defined map[string]bool) (any, error) {
	switch ref.Kind {
	case types.String, types.Enum:
		return "string", nil
	case types.Integer:
		return "int", nil
	case types.Long:
		return "long", nil
	case types.Float:
		return "float", nil
	case types.Double:
		return "double", nil
	case types.Boolean:
		return "boolean", nil
	case types.Blob:
		return "bytes", nil
	case types.Timestamp:
		return map[string]string{"type": "long", "logicalType": "timestamp-millis"}, nil
	case types.List:
		items, err := f.typeSchema(*ref.Member, defined)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": items}, nil
	case types.Map:
		values, err := f.typeSchema(*ref.Member, defined)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "map", "values": values}, nil
	case types.Structure:
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return f.recordSchema(s, defined)
	}
	return nil, fmt.Errorf("unsupported kind %s", ref.Kind)
}

// Encode writes rec in the Avro binary encoding of the shape's schema
func (f *Format) Encode(rec codec.Record, shapeName string) ([]byte, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := avro.NewWriter(&buf, bufSize)
	if err := f.writeStructure(w, rec, s, ""); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush avro writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *Format) writeStructure(w *avro.Writer, rec codec.Record, s *types.Shape, path string) error {
	for _, field := range s.Fields {
		v, ok := rec[field.Name]
		fieldPath := codec.FieldPath(path, field.Name)
		if !ok || codec.IsNil(v) {
			if field.Required {
				return &codec.EncodingError{Path: fieldPath, Kind: field.Kind, Reason: "required field is missing"}
			}
			// null branch of the union
			w.WriteLong(0)
			continue
		}
		w.WriteLong(1)
		if err := f.writeValue(w, field.TypeRef, v, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

func (f *Format) writeValue(w *avro.Writer, ref types.TypeRef, v any, path string) error {
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
		return f.writeStructure(w, rec, s, path)

	case types.List:
		items, ok := codec.AsList(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		if len(items) > 0 {
			w.WriteLong(int64(len(items)))
			for i, item := range items {
				itemPath := codec.IndexPath(path, i)
				if codec.IsNil(item) {
					return &codec.EncodingError{Path: itemPath, Kind: ref.Member.Kind, Reason: "list element is null"}
				}
				if err := f.writeValue(w, *ref.Member, item, itemPath); err != nil {
					return err
				}
			}
		}
		w.WriteLong(0)
		return nil

	case types.Map:
		entries, ok := codec.MapEntries(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		if len(entries) > 0 {
			w.WriteLong(int64(len(entries)))
			for _, e := range entries {
				entryPath := codec.KeyPath(path, e.Key)
				if codec.IsNil(e.Value) {
					return &codec.EncodingError{Path: entryPath, Kind: ref.Member.Kind, Reason: "map value is null"}
				}
				w.WriteString(e.Key)
				if err := f.writeValue(w, *ref.Member, e.Value, entryPath); err != nil {
					return err
				}
			}
		}
		w.WriteLong(0)
		return nil

	case types.Enum:
		s, err := codec.EnumValue(f.shapes, ref, v, path)
		if err != nil {
			return err
		}
		w.WriteString(s)
		return nil
	}

	scalar, err := codec.Scalar(ref.Kind, v, path)
	if err != nil {
		return err
	}
	switch t := scalar.(type) {
	case string:
		w.WriteString(t)
	case int32:
		w.WriteInt(t)
	case int64:
		w.WriteLong(t)
	case float32:
		w.WriteFloat(t)
	case float64:
		w.WriteDouble(t)
	case bool:
		w.WriteBool(t)
	case time.Time:
		w.WriteLong(t.UnixMilli())
	case []byte:
		w.WriteBytes(t)
	}
	return nil
}

// Decode reads a record written by Encode. Empty input decodes to a nil record
// unless the shape has no fields.
func (f *Format) Decode(data []byte, shapeName string) (codec.Record, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 && len(s.Fields) > 0 {
		return nil, nil
	}

	r := avro.NewReader(bytes.NewReader(data), bufSize)
	return f.readStructure(r, s, "")
}

func (f *Format) readStructure(r *avro.Reader, s *types.Shape, path string) (codec.Record, error) {
	rec := codec.Record{}
	for _, field := range s.Fields {
		fieldPath := codec.FieldPath(path, field.Name)
		branch := r.ReadLong()
		if err := readErr(r, fieldPath); err != nil {
			return nil, err
		}
		switch branch {
		case 0:
			continue
		case 1:
		default:
			return nil, &codec.DecodingError{Path: fieldPath, Reason: fmt.Sprintf("invalid union branch %d", branch)}
		}
		v, err := f.readValue(r, field.TypeRef, fieldPath)
		if err != nil {
			return nil, err
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (f *Format) readValue(r *avro.Reader, ref types.TypeRef, path string) (any, error) {
	switch ref.Kind {
	case types.Structure:
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return f.readStructure(r, s, path)

	case types.List:
		items := []any{}
		for {
			n, _ := r.ReadBlockHeader()
			if err := readErr(r, path); err != nil {
				return nil, err
			}
			if n == 0 {
				return items, nil
			}
			for i := int64(0); i < n; i++ {
				item, err := f.readValue(r, *ref.Member, codec.IndexPath(path, len(items)))
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			}
		}

	case types.Map:
		m := codec.NewMap()
		for {
			n, _ := r.ReadBlockHeader()
			if err := readErr(r, path); err != nil {
				return nil, err
			}
			if n == 0 {
				return m, nil
			}
			for i := int64(0); i < n; i++ {
				key := r.ReadString()
				if err := readErr(r, path); err != nil {
					return nil, err
				}
				v, err := f.readValue(r, *ref.Member, codec.KeyPath(path, key))
				if err != nil {
					return nil, err
				}
				m.Set(key, v)
			}
		}

	case types.Enum:
		s := r.ReadString()
		if err := readErr(r, path); err != nil {
			return nil, err
		}
		e, err := f.shapes.LookupEnum(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return codec.FromValue(s, e)
	}

	var v any
	switch ref.Kind {
	case types.String:
		v = r.ReadString()
	case types.Integer:
		v = r.ReadInt()
	case types.Long:
		v = r.ReadLong()
	case types.Float:
		v = r.ReadFloat()
	case types.Double:
		v = r.ReadDouble()
	case types.Boolean:
		v = r.ReadBool()
	case types.Timestamp:
		v = time.UnixMilli(r.ReadLong()).UTC()
	case types.Blob:
		v = r.ReadBytes()
	default:
		return nil, &codec.DecodingError{Path: path, Reason: fmt.Sprintf("unsupported kind %s", ref.Kind)}
	}
	if err := readErr(r, path); err != nil {
		return nil, err
	}
	return v, nil
}

func readErr(r *avro.Reader, path string) error {
	if r.Error != nil {
		return &codec.DecodingError{Path: path, Reason: "malformed avro data", Err: r.Error}
	}
	return nil
}
