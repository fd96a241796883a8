package xml

import (
	"errors"
	"io"
	"strings"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/types"
)

// Decoder binds XML elements to records
type Decoder struct {
	shapes codec.Resolver
}

// NewDecoder creates a decoder over a shape resolver
func NewDecoder(shapes codec.Resolver) *Decoder {
	return &Decoder{shapes: shapes}
}

// Decode binds a response document to a shape. The shape's fields are the
// children of the root element, or of the resultWrapper element directly below
// the root when one is given. A document with no root, or without the wrapper,
// decodes to a nil record.
func (d *Decoder) Decode(body []byte, shapeName, resultWrapper string) (codec.Record, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	rd := NewBytesReader(body)
	root, err := nextStart(rd, 1, "")
	if err != nil || root == nil {
		return nil, err
	}
	if resultWrapper == "" {
		return d.Unmarshal(rd, shapeName, root.Depth+1)
	}

	wrapper, err := nextStart(rd, root.Depth+1, resultWrapper)
	if err != nil || wrapper == nil {
		return nil, err
	}
	return d.Unmarshal(rd, shapeName, wrapper.Depth+1)
}

// DecodeElement binds the first element named element, at any depth, to a shape
func (d *Decoder) DecodeElement(body []byte, shapeName, element string) (codec.Record, error) {
	rd := NewBytesReader(body)
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if ev.Type == StartElement && ev.Name == element {
			return d.Unmarshal(rd, shapeName, ev.Depth+1)
		}
	}
}

// ElementText returns the character data of the first element named element
func ElementText(body []byte, element string) (string, bool, error) {
	rd := NewBytesReader(body)
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if ev.Type == StartElement && ev.Name == element {
			text, err := rd.ReadText(ev.Depth)
			if err != nil {
				return "", false, err
			}
			return text, true, nil
		}
	}
}

// nextStart advances to the next start element at depth, optionally with the
// given name. It stops at the end of the enclosing element and returns nil when
// nothing matched.
func nextStart(rd *Reader, depth int, name string) (*Event, error) {
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case StartElement:
			if ev.Depth == depth && (name == "" || ev.Name == name) {
				return &ev, nil
			}
		case EndElement:
			if ev.Depth < depth-1 {
				return nil, nil
			}
		}
	}
}

// Unmarshal reads the fields of a shape from rd. The reader must be positioned
// just inside the element holding the fields, whose children sit at
// targetDepth. Only start elements at exactly targetDepth are matched against
// field names, so a tag that recurs deeper in the stream is never mistaken for
// a field. Unmarshal returns once the holding element is closed.
func (d *Decoder) Unmarshal(rd *Reader, shapeName string, targetDepth int) (codec.Record, error) {
	s, err := d.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}
	return d.unmarshalStructure(rd, s, targetDepth, "")
}

func (d *Decoder) unmarshalStructure(rd *Reader, s *types.Shape, targetDepth int, path string) (codec.Record, error) {
	fields := make(map[string]*types.Field, len(s.Fields))
	for i := range s.Fields {
		fields[s.Fields[i].Wire()] = &s.Fields[i]
	}

	rec := codec.Record{}
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return rec, nil
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case StartElement:
			if ev.Depth != targetDepth {
				continue
			}
			field, ok := fields[ev.Name]
			if !ok {
				continue
			}
			fieldPath := codec.FieldPath(path, field.Name)
			v, err := d.unmarshalValue(rd, field.TypeRef, ev.Depth, fieldPath)
			if err != nil {
				return nil, err
			}
			rec[field.Name] = v
		case EndElement:
			if ev.Depth < targetDepth-1 {
				return rec, nil
			}
		}
	}
}

// unmarshalValue reads the element opened at depth and consumes it entirely
func (d *Decoder) unmarshalValue(rd *Reader, ref types.TypeRef, depth int, path string) (any, error) {
	switch ref.Kind {
	case types.Structure:
		s, err := d.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return d.unmarshalStructure(rd, s, depth+1, path)

	case types.List:
		items := []any{}
		for {
			ev, err := rd.Next()
			if err != nil {
				return nil, unexpectedEOF(err, path)
			}
			switch ev.Type {
			case StartElement:
				if ev.Depth != depth+1 || ev.Name != ref.ElementName() {
					if err := rd.Skip(ev.Depth); err != nil {
						return nil, err
					}
					continue
				}
				itemPath := codec.IndexPath(path, len(items))
				item, err := d.unmarshalValue(rd, *ref.Member, ev.Depth, itemPath)
				if err != nil {
					return nil, err
				}
				items = append(items, item)
			case EndElement:
				if ev.Depth < depth {
					return items, nil
				}
			}
		}

	case types.Map:
		m := codec.NewMap()
		for {
			ev, err := rd.Next()
			if err != nil {
				return nil, unexpectedEOF(err, path)
			}
			switch ev.Type {
			case StartElement:
				if ev.Depth != depth+1 || ev.Name != "entry" {
					if err := rd.Skip(ev.Depth); err != nil {
						return nil, err
					}
					continue
				}
				if err := d.unmarshalEntry(rd, m, *ref.Member, ev.Depth, path); err != nil {
					return nil, err
				}
			case EndElement:
				if ev.Depth < depth {
					return m, nil
				}
			}
		}
	}

	text, err := rd.ReadText(depth)
	if err != nil {
		return nil, unexpectedEOF(err, path)
	}
	if ref.Kind == types.Enum {
		e, err := d.shapes.LookupEnum(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return codec.FromValue(strings.TrimSpace(text), e)
	}
	if ref.Kind == types.String {
		return text, nil
	}
	return codec.ParseText(ref.Kind, strings.TrimSpace(text), path)
}

func (d *Decoder) unmarshalEntry(rd *Reader, m *codec.Map, member types.TypeRef, depth int, path string) error {
	var (
		key      *string
		value    any
		hasValue bool
	)
	for {
		ev, err := rd.Next()
		if err != nil {
			return unexpectedEOF(err, path)
		}
		switch ev.Type {
		case StartElement:
			switch {
			case ev.Depth == depth+1 && ev.Name == "key":
				text, err := rd.ReadText(ev.Depth)
				if err != nil {
					return unexpectedEOF(err, path)
				}
				key = &text
			case ev.Depth == depth+1 && ev.Name == "value":
				value, err = d.unmarshalValue(rd, member, ev.Depth, codec.IndexPath(path, m.Len()))
				if err != nil {
					return err
				}
				hasValue = true
			default:
				if err := rd.Skip(ev.Depth); err != nil {
					return err
				}
			}
		case EndElement:
			if ev.Depth < depth {
				if key == nil {
					return &codec.DecodingError{Path: codec.IndexPath(path, m.Len()), Reason: "map entry without key"}
				}
				if !hasValue {
					return &codec.DecodingError{Path: codec.KeyPath(path, *key), Reason: "map entry without value"}
				}
				m.Set(*key, value)
				return nil
			}
		}
	}
}

func unexpectedEOF(err error, path string) error {
	if errors.Is(err, io.EOF) {
		return &codec.DecodingError{Path: path, Reason: "unexpected end of document"}
	}
	return err
}
