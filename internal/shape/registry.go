package shape

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"shapecodec/internal/shape/types"

	"github.com/hashicorp/go-multierror"
)

// ErrFrozen is returned when registering into a registry that has been frozen
var ErrFrozen = errors.New("registry is frozen")

// UnknownShapeError reports a lookup of a name that was never registered
type UnknownShapeError struct {
	Name string
	// Enum is set when the lookup was for an enum
	Enum bool
}

func (e *UnknownShapeError) Error() string {
	if e.Enum {
		return fmt.Sprintf("unknown enum: %s", e.Name)
	}
	return fmt.Sprintf("unknown shape: %s", e.Name)
}

// Registry holds the shapes, enums and operations known to the codec.
//
// A registry is populated during startup and then frozen. Registration takes no
// lock, so it must finish before the registry is shared; after Freeze every
// method is a read and safe for concurrent use.
type Registry struct {
	shapes     map[string]*types.Shape
	enums      map[string]*types.EnumShape
	operations map[string]*types.Operation
	frozen     bool
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		shapes:     make(map[string]*types.Shape),
		enums:      make(map[string]*types.EnumShape),
		operations: make(map[string]*types.Operation),
	}
}

// Register adds a structure shape
func (r *Registry) Register(s types.Shape) error {
	if r.frozen {
		return ErrFrozen
	}
	if s.Name == "" {
		return fmt.Errorf("shape name is empty")
	}
	if _, ok := r.shapes[s.Name]; ok {
		return fmt.Errorf("shape %s already registered", s.Name)
	}

	fields := make([]types.Field, len(s.Fields))
	wireNames := make(map[string]bool, len(s.Fields))
	names := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("shape %s: field %d has no name", s.Name, i)
		}
		if !f.Kind.IsValid() {
			return fmt.Errorf("shape %s: field %s has invalid kind %q", s.Name, f.Name, f.Kind)
		}
		if f.WireName == "" {
			f.WireName = f.Name
		}
		if names[f.Name] {
			return fmt.Errorf("shape %s: duplicate field name %s", s.Name, f.Name)
		}
		if wireNames[f.WireName] {
			return fmt.Errorf("shape %s: duplicate wire name %s", s.Name, f.WireName)
		}
		names[f.Name] = true
		wireNames[f.WireName] = true
		f.TypeRef = copyRef(f.TypeRef)
		fields[i] = f
	}
	s.Fields = fields

	r.shapes[s.Name] = &s
	return nil
}

// RegisterEnum adds an enum
func (r *Registry) RegisterEnum(e types.EnumShape) error {
	if r.frozen {
		return ErrFrozen
	}
	if e.Name == "" {
		return fmt.Errorf("enum name is empty")
	}
	if _, ok := r.enums[e.Name]; ok {
		return fmt.Errorf("enum %s already registered", e.Name)
	}
	seen := make(map[string]bool, len(e.Values))
	for _, v := range e.Values {
		if v == "" {
			return fmt.Errorf("enum %s: empty value", e.Name)
		}
		if seen[v] {
			return fmt.Errorf("enum %s: duplicate value %s", e.Name, v)
		}
		seen[v] = true
	}
	e.Values = append([]string(nil), e.Values...)
	r.enums[e.Name] = &e
	return nil
}

// RegisterOperation adds an operation and its error catalog
func (r *Registry) RegisterOperation(op types.Operation) error {
	if r.frozen {
		return ErrFrozen
	}
	if op.Name == "" {
		return fmt.Errorf("operation name is empty")
	}
	if _, ok := r.operations[op.Name]; ok {
		return fmt.Errorf("operation %s already registered", op.Name)
	}
	op.Errors = append([]types.ErrorShape(nil), op.Errors...)
	r.operations[op.Name] = &op
	return nil
}

// Apply registers everything declared in a document
func (r *Registry) Apply(doc *types.Document) error {
	for _, e := range doc.Enums {
		if err := r.RegisterEnum(e); err != nil {
			return err
		}
	}
	for _, s := range doc.Shapes {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	for _, op := range doc.Operations {
		if err := r.RegisterOperation(op); err != nil {
			return err
		}
	}
	return nil
}

// Freeze resolves every shape reference and closes the registry to writes.
// All dangling references are reported together.
func (r *Registry) Freeze() error {
	if r.frozen {
		return nil
	}

	var result *multierror.Error
	for _, name := range r.Names() {
		s := r.shapes[name]
		for i := range s.Fields {
			f := &s.Fields[i]
			if err := r.resolve(&f.TypeRef); err != nil {
				result = multierror.Append(result, fmt.Errorf("shape %s field %s: %w", s.Name, f.Name, err))
			}
		}
	}
	for _, name := range r.operationNames() {
		op := r.operations[name]
		for _, ref := range []string{op.Input, op.Output} {
			if ref == "" {
				continue
			}
			if _, ok := r.shapes[ref]; !ok {
				result = multierror.Append(result, fmt.Errorf("operation %s: %w", op.Name, &UnknownShapeError{Name: ref}))
			}
		}
		for _, es := range op.Errors {
			if es.Code == "" {
				result = multierror.Append(result, fmt.Errorf("operation %s: error shape without code", op.Name))
			}
			if es.Shape == "" {
				continue
			}
			if _, ok := r.shapes[es.Shape]; !ok {
				result = multierror.Append(result, fmt.Errorf("operation %s error %s: %w", op.Name, es.Code, &UnknownShapeError{Name: es.Shape}))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	r.frozen = true
	slog.Debug("Shape registry frozen", "shapes", len(r.shapes), "enums", len(r.enums), "operations", len(r.operations))
	return nil
}

// resolve normalizes list/map shorthand and checks that references exist
func (r *Registry) resolve(ref *types.TypeRef) error {
	switch ref.Kind {
	case types.Structure:
		if _, ok := r.shapes[ref.ShapeRef]; !ok {
			return &UnknownShapeError{Name: ref.ShapeRef}
		}
	case types.Enum:
		if _, ok := r.enums[ref.ShapeRef]; !ok {
			return &UnknownShapeError{Name: ref.ShapeRef, Enum: true}
		}
	case types.List, types.Map:
		if ref.Member == nil {
			if ref.ShapeRef == "" {
				return fmt.Errorf("%s without member type", ref.Kind)
			}
			member := &types.TypeRef{ShapeRef: ref.ShapeRef}
			switch {
			case r.shapes[ref.ShapeRef] != nil:
				member.Kind = types.Structure
			case r.enums[ref.ShapeRef] != nil:
				member.Kind = types.Enum
			default:
				return &UnknownShapeError{Name: ref.ShapeRef}
			}
			ref.Member = member
			ref.ShapeRef = ""
		}
		return r.resolve(ref.Member)
	}
	return nil
}

// Lookup returns the structure registered under name
func (r *Registry) Lookup(name string) (*types.Shape, error) {
	s, ok := r.shapes[name]
	if !ok {
		return nil, &UnknownShapeError{Name: name}
	}
	return s, nil
}

// LookupEnum returns the enum registered under name
func (r *Registry) LookupEnum(name string) (*types.EnumShape, error) {
	e, ok := r.enums[name]
	if !ok {
		return nil, &UnknownShapeError{Name: name, Enum: true}
	}
	return e, nil
}

// Operation returns the operation registered under name
func (r *Registry) Operation(name string) (*types.Operation, bool) {
	op, ok := r.operations[name]
	return op, ok
}

// Errors returns the error catalog of an operation in registration order
func (r *Registry) Errors(operation string) []types.ErrorShape {
	op, ok := r.operations[operation]
	if !ok {
		return nil
	}
	return op.Errors
}

// Frozen reports whether Freeze has completed
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Names returns the registered shape names in sorted order
func (r *Registry) Names() []string {
	return sortedKeys(r.shapes)
}

// EnumNames returns the registered enum names in sorted order
func (r *Registry) EnumNames() []string {
	return sortedKeys(r.enums)
}

func (r *Registry) operationNames() []string {
	return sortedKeys(r.operations)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyRef(ref types.TypeRef) types.TypeRef {
	if ref.Member != nil {
		member := copyRef(*ref.Member)
		ref.Member = &member
	}
	return ref
}
