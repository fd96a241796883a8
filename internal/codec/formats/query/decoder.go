package query

import (
	"fmt"
	"strconv"
	"strings"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/types"
)

// node is one segment of the dotted parameter namespace
type node struct {
	value    *string
	children map[string]*node
}

func (n *node) child(segment string) *node {
	if n == nil {
		return nil
	}
	return n.children[segment]
}

func buildTree(params []Param, prefix string) *node {
	root := &node{}
	for _, p := range params {
		if !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		n := root
		for _, segment := range strings.Split(strings.TrimPrefix(p.Name, prefix), ".") {
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			next, ok := n.children[segment]
			if !ok {
				next = &node{}
				n.children[segment] = next
			}
			n = next
		}
		// Later duplicates win
		value := p.Value
		n.value = &value
	}
	return root
}

// Decoder rebuilds records from query parameters
type Decoder struct {
	shapes codec.Resolver
}

// NewDecoder creates a decoder over a shape resolver
func NewDecoder(shapes codec.Resolver) *Decoder {
	return &Decoder{shapes: shapes}
}

// Decode parses a form body and binds the parameters named by the shape.
// Parameters the shape does not name, such as Action and Version, are skipped.
func (d *Decoder) Decode(body []byte, shapeName string) (codec.Record, error) {
	params, err := ParseForm(string(body))
	if err != nil {
		return nil, err
	}
	return d.Bind(params, shapeName, "")
}

// Bind binds params found under prefix to a shape
func (d *Decoder) Bind(params []Param, shapeName, prefix string) (codec.Record, error) {
	s, err := d.shapes.Lookup(shapeName)
	if err != nil {
		return nil, err
	}
	return d.bindStructure(buildTree(params, prefix), s, "")
}

func (d *Decoder) bindStructure(n *node, s *types.Shape, path string) (codec.Record, error) {
	rec := codec.Record{}
	for _, field := range s.Fields {
		child := n.child(field.Wire())
		if child == nil {
			continue
		}
		fieldPath := codec.FieldPath(path, field.Name)
		v, err := d.bindValue(child, field.TypeRef, fieldPath)
		if err != nil {
			return nil, err
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (d *Decoder) bindValue(n *node, ref types.TypeRef, path string) (any, error) {
	switch ref.Kind {
	case types.Structure:
		s, err := d.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return d.bindStructure(n, s, path)

	case types.List:
		members, err := indexed(n.child(ref.ElementName()), path)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(members))
		for i, member := range members {
			item, err := d.bindValue(member, *ref.Member, codec.IndexPath(path, i))
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	case types.Map:
		entries, err := indexed(n.child("entry"), path)
		if err != nil {
			return nil, err
		}
		m := codec.NewMap()
		for i, entry := range entries {
			key := entry.child("key")
			if key == nil || key.value == nil {
				return nil, &codec.DecodingError{Path: codec.IndexPath(path, i), Reason: "map entry without key"}
			}
			value := entry.child("value")
			if value == nil {
				return nil, &codec.DecodingError{Path: codec.KeyPath(path, *key.value), Reason: "map entry without value"}
			}
			v, err := d.bindValue(value, *ref.Member, codec.KeyPath(path, *key.value))
			if err != nil {
				return nil, err
			}
			m.Set(*key.value, v)
		}
		return m, nil
	}

	if n.value == nil {
		return nil, &codec.DecodingError{Path: path, Reason: "expected a value"}
	}
	if ref.Kind == types.Enum {
		e, err := d.shapes.LookupEnum(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return codec.FromValue(*n.value, e)
	}
	return codec.ParseText(ref.Kind, *n.value, path)
}

// indexed returns the children of n numbered 1..N. A nil n is an empty
// collection; gaps in the numbering are rejected.
func indexed(n *node, path string) ([]*node, error) {
	if n == nil {
		return nil, nil
	}
	out := make([]*node, len(n.children))
	for segment, child := range n.children {
		i, err := strconv.Atoi(segment)
		if err != nil || i < 1 || i > len(out) {
			return nil, &codec.DecodingError{Path: path, Reason: fmt.Sprintf("unexpected collection index %q", segment)}
		}
		if out[i-1] != nil {
			return nil, &codec.DecodingError{Path: path, Reason: fmt.Sprintf("duplicate collection index %q", segment)}
		}
		out[i-1] = child
	}
	return out, nil
}
