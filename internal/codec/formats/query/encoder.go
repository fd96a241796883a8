// Package query flattens records into the ordered, dotted parameter lists of
// the query protocol and parses such parameter lists back into records.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/types"
)

// Param is one name/value pair of a query request
type Param struct {
	Name  string
	Value string
}

// Encoder flattens records into query parameters
type Encoder struct {
	shapes codec.Resolver
}

// NewEncoder creates an encoder over a shape resolver
func NewEncoder(shapes codec.Resolver) *Encoder {
	return &Encoder{shapes: shapes}
}

// Params returns the parameters for rec under prefix. Fields are visited in
// declaration order and list members are numbered from 1 in input order, so the
// same record always yields the same sequence. Nothing is returned on error.
func (e *Encoder) Params(rec codec.Record, shapeName, prefix string) ([]Param, error) {
	s, err := e.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}

	var params []Param
	if err := e.encodeStructure(&params, rec, s, prefix, ""); err != nil {
		return nil, err
	}
	return params, nil
}

func (e *Encoder) encodeStructure(params *[]Param, rec codec.Record, s *types.Shape, prefix, path string) error {
	for _, field := range s.Fields {
		v, ok := rec[field.Name]
		fieldPath := codec.FieldPath(path, field.Name)
		if !ok || codec.IsNil(v) {
			if field.Required {
				return &codec.EncodingError{Path: fieldPath, Kind: field.Kind, Reason: "required field is missing"}
			}
			continue
		}
		if err := e.encodeValue(params, prefix+field.Wire(), field.TypeRef, v, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeValue(params *[]Param, name string, ref types.TypeRef, v any, path string) error {
	switch ref.Kind {
	case types.Structure:
		rec, ok := codec.AsRecord(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		s, err := e.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return err
		}
		start := len(*params)
		if err := e.encodeStructure(params, rec, s, name+".", path); err != nil {
			return err
		}
		if len(*params) == start {
			// An empty structure keeps a bare key so it stays present and list
			// members keep contiguous numbers
			*params = append(*params, Param{Name: name})
		}
		return nil

	case types.List:
		items, ok := codec.AsList(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		if len(items) == 0 {
			// An empty list is sent as a bare key so it is not confused with an absent one
			*params = append(*params, Param{Name: name})
			return nil
		}
		member := name + "." + ref.ElementName() + "."
		for i, item := range items {
			itemPath := codec.IndexPath(path, i)
			if codec.IsNil(item) {
				return &codec.EncodingError{Path: itemPath, Kind: ref.Member.Kind, Reason: "list element is null"}
			}
			if err := e.encodeValue(params, member+strconv.Itoa(i+1), *ref.Member, item, itemPath); err != nil {
				return err
			}
		}
		return nil

	case types.Map:
		entries, ok := codec.MapEntries(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		if len(entries) == 0 {
			*params = append(*params, Param{Name: name})
			return nil
		}
		for i, entry := range entries {
			entryPath := codec.KeyPath(path, entry.Key)
			if codec.IsNil(entry.Value) {
				return &codec.EncodingError{Path: entryPath, Kind: ref.Member.Kind, Reason: "map value is null"}
			}
			base := name + ".entry." + strconv.Itoa(i+1)
			*params = append(*params, Param{Name: base + ".key", Value: entry.Key})
			if err := e.encodeValue(params, base+".value", *ref.Member, entry.Value, entryPath); err != nil {
				return err
			}
		}
		return nil

	case types.Enum:
		s, err := codec.EnumValue(e.shapes, ref, v, path)
		if err != nil {
			return err
		}
		*params = append(*params, Param{Name: name, Value: s})
		return nil
	}

	scalar, err := codec.Scalar(ref.Kind, v, path)
	if err != nil {
		return err
	}
	*params = append(*params, Param{Name: name, Value: codec.FormatText(scalar)})
	return nil
}

// Form renders params as an application/x-www-form-urlencoded body, keeping
// their order
func Form(params []Param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.Value))
	}
	return sb.String()
}

// ParseForm splits a form body into parameters in body order
func ParseForm(body string) ([]Param, error) {
	var params []Param
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		var err error
		if name, err = url.QueryUnescape(name); err != nil {
			return nil, &codec.DecodingError{Reason: "malformed form body", Err: err}
		}
		if value, err = url.QueryUnescape(value); err != nil {
			return nil, &codec.DecodingError{Path: name, Reason: "malformed form body", Err: err}
		}
		params = append(params, Param{Name: name, Value: value})
	}
	return params, nil
}
