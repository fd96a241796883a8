// Package protobuf encodes records as protobuf messages described by a file
// descriptor generated from the shape registry.
package protobuf

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/types"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Package is the protobuf package holding the generated messages
const Package = "shapecodec"

// Catalog is the part of the registry the descriptor is generated from
type Catalog interface {
	codec.Resolver
	Names() []string
}

// Format implements the protobuf protocol. Each structure becomes a proto2
// message with fields numbered in declaration order; timestamps are epoch
// milliseconds and enums are strings.
type Format struct {
	shapes codec.Resolver
	file   protoreflect.FileDescriptor
}

// New generates the descriptor for every shape in c
func New(c Catalog) (*Format, error) {
	fdp, err := FileDescriptorProto(c)
	if err != nil {
		return nil, err
	}
	fd, err := protodesc.NewFile(fdp, new(protoregistry.Files))
	if err != nil {
		return nil, fmt.Errorf("create file descriptor: %w", err)
	}
	return &Format{shapes: c, file: fd}, nil
}

// Protocol returns the protocol this format implements
func (f *Format) Protocol() types.Protocol {
	return types.Protobuf
}

// Descriptor returns the generated file descriptor
func (f *Format) Descriptor() protoreflect.FileDescriptor {
	return f.file
}

// FileDescriptorProto builds one message per registered structure
func FileDescriptorProto(c Catalog) (*descriptorpb.FileDescriptorProto, error) {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(Package + ".proto"),
		Package: proto.String(Package),
		Syntax:  proto.String("proto2"),
	}
	for _, name := range c.Names() {
		s, err := c.Lookup(name)
		if err != nil {
			return nil, err
		}
		msg := &descriptorpb.DescriptorProto{Name: proto.String(s.Name)}
		scope := "." + Package + "." + s.Name
		for i, field := range s.Fields {
			fieldProto, err := fieldDescriptor(msg, scope, field.Name, int32(i+1), field.TypeRef)
			if err != nil {
				return nil, fmt.Errorf("shape %s field %s: %w", s.Name, field.Name, err)
			}
			msg.Field = append(msg.Field, fieldProto)
		}
		fdp.MessageType = append(fdp.MessageType, msg)
	}
	return fdp, nil
}

// fieldDescriptor describes a field of type ref inside msg, whose fully
// qualified name is scope. Collections that cannot nest directly in protobuf
// get a wrapper message holding a single field named value.
func fieldDescriptor(msg *descriptorpb.DescriptorProto, scope, name string, number int32, ref types.TypeRef) (*descriptorpb.FieldDescriptorProto, error) {
	fd := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}

	switch ref.Kind {
	case types.List:
		fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		if err := singular(msg, scope, fd, camel(name)+"Item", *ref.Member); err != nil {
			return nil, err
		}
		return fd, nil

	case types.Map:
		entry := &descriptorpb.DescriptorProto{
			Name:    proto.String(camel(name) + "Entry"),
			Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
			Field: []*descriptorpb.FieldDescriptorProto{{
				Name:   proto.String("key"),
				Number: proto.Int32(1),
				Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
			}},
		}
		value := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String("value"),
			Number: proto.Int32(2),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}
		// Wrappers for the value live next to the entry, not inside it
		if err := singular(msg, scope, value, camel(name)+"Value", *ref.Member); err != nil {
			return nil, err
		}
		entry.Field = append(entry.Field, value)
		msg.NestedType = append(msg.NestedType, entry)

		fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
		fd.TypeName = proto.String(scope + "." + camel(name) + "Entry")
		return fd, nil
	}

	if err := singular(msg, scope, fd, camel(name)+"Value", ref); err != nil {
		return nil, err
	}
	return fd, nil
}

// singular sets the type of fd to a non-collection type for ref, generating a
// wrapper message named wrapper when ref is itself a collection
func singular(msg *descriptorpb.DescriptorProto, scope string, fd *descriptorpb.FieldDescriptorProto, wrapper string, ref types.TypeRef) error {
	switch ref.Kind {
	case types.String, types.Enum:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
	case types.Integer:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum()
	case types.Long, types.Timestamp:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum()
	case types.Float:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_FLOAT.Enum()
	case types.Double:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE.Enum()
	case types.Boolean:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum()
	case types.Blob:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum()
	case types.Structure:
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
		fd.TypeName = proto.String("." + Package + "." + ref.ShapeRef)
	case types.List, types.Map:
		nested := &descriptorpb.DescriptorProto{Name: proto.String(wrapper)}
		inner, err := fieldDescriptor(nested, scope+"."+wrapper, "value", 1, ref)
		if err != nil {
			return err
		}
		nested.Field = append(nested.Field, inner)
		msg.NestedType = append(msg.NestedType, nested)
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
		fd.TypeName = proto.String(scope + "." + wrapper)
	default:
		return fmt.Errorf("unsupported kind %s", ref.Kind)
	}
	return nil
}

// camel mirrors protobuf's map entry naming: underscores are dropped and the
// letter after each one, like the first letter, is upper-cased
func camel(name string) string {
	var sb strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (f *Format) message(shapeName string) (*types.Shape, protoreflect.MessageDescriptor, error) {
	s, err := f.shapes.Lookup(shapeName)
	if err != nil {
		return nil, nil, err
	}
	md := f.file.Messages().ByName(protoreflect.Name(shapeName))
	if md == nil {
		return nil, nil, fmt.Errorf("no message generated for shape %s", shapeName)
	}
	return s, md, nil
}

// Encode marshals rec as the message generated for the shape
func (f *Format) Encode(rec codec.Record, shapeName string) ([]byte, error) {
	s, md, err := f.message(shapeName)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := f.fillMessage(msg, rec, s, ""); err != nil {
		return nil, err
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", shapeName, err)
	}
	return data, nil
}

func (f *Format) fillMessage(msg protoreflect.Message, rec codec.Record, s *types.Shape, path string) error {
	fields := msg.Descriptor().Fields()
	for i, field := range s.Fields {
		v, ok := rec[field.Name]
		fieldPath := codec.FieldPath(path, field.Name)
		if !ok || codec.IsNil(v) {
			if field.Required {
				return &codec.EncodingError{Path: fieldPath, Kind: field.Kind, Reason: "required field is missing"}
			}
			continue
		}
		if err := f.setField(msg, fields.ByNumber(protoreflect.FieldNumber(i+1)), field.TypeRef, v, fieldPath); err != nil {
			return err
		}
	}
	return nil
}

func (f *Format) setField(msg protoreflect.Message, fd protoreflect.FieldDescriptor, ref types.TypeRef, v any, path string) error {
	switch ref.Kind {
	case types.List:
		items, ok := codec.AsList(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		list := msg.Mutable(fd).List()
		for i, item := range items {
			itemPath := codec.IndexPath(path, i)
			if codec.IsNil(item) {
				return &codec.EncodingError{Path: itemPath, Kind: ref.Member.Kind, Reason: "list element is null"}
			}
			elem, err := f.value(list.NewElement, *ref.Member, item, itemPath)
			if err != nil {
				return err
			}
			list.Append(elem)
		}
		return nil

	case types.Map:
		entries, ok := codec.MapEntries(v)
		if !ok {
			return codec.TypeMismatch(path, ref.Kind, v)
		}
		m := msg.Mutable(fd).Map()
		for _, e := range entries {
			entryPath := codec.KeyPath(path, e.Key)
			if codec.IsNil(e.Value) {
				return &codec.EncodingError{Path: entryPath, Kind: ref.Member.Kind, Reason: "map value is null"}
			}
			value, err := f.value(m.NewValue, *ref.Member, e.Value, entryPath)
			if err != nil {
				return err
			}
			m.Set(protoreflect.ValueOfString(e.Key).MapKey(), value)
		}
		return nil
	}

	value, err := f.value(func() protoreflect.Value { return msg.NewField(fd) }, ref, v, path)
	if err != nil {
		return err
	}
	msg.Set(fd, value)
	return nil
}

// value converts one non-collection slot. newMessage allocates the message for
// structure and wrapper slots.
func (f *Format) value(newMessage func() protoreflect.Value, ref types.TypeRef, v any, path string) (protoreflect.Value, error) {
	switch ref.Kind {
	case types.Structure:
		rec, ok := codec.AsRecord(v)
		if !ok {
			return protoreflect.Value{}, codec.TypeMismatch(path, ref.Kind, v)
		}
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return protoreflect.Value{}, err
		}
		value := newMessage()
		if err := f.fillMessage(value.Message(), rec, s, path); err != nil {
			return protoreflect.Value{}, err
		}
		return value, nil

	case types.List, types.Map:
		value := newMessage()
		wrapper := value.Message()
		if err := f.setField(wrapper, wrapper.Descriptor().Fields().ByNumber(1), ref, v, path); err != nil {
			return protoreflect.Value{}, err
		}
		return value, nil

	case types.Enum:
		s, err := codec.EnumValue(f.shapes, ref, v, path)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfString(s), nil
	}

	scalar, err := codec.Scalar(ref.Kind, v, path)
	if err != nil {
		return protoreflect.Value{}, err
	}
	switch t := scalar.(type) {
	case time.Time:
		return protoreflect.ValueOfInt64(t.UnixMilli()), nil
	case []byte:
		return protoreflect.ValueOfBytes(t), nil
	}
	return protoreflect.ValueOf(scalar), nil
}

// Decode unmarshals data and converts the message back into a record. Unset
// optional fields, empty lists and empty maps are absent from the result.
func (f *Format) Decode(data []byte, shapeName string) (codec.Record, error) {
	s, md, err := f.message(shapeName)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, &codec.DecodingError{Reason: "malformed protobuf message", Err: err}
	}
	return f.readMessage(msg, s, "")
}

func (f *Format) readMessage(msg protoreflect.Message, s *types.Shape, path string) (codec.Record, error) {
	rec := codec.Record{}
	fields := msg.Descriptor().Fields()
	for i, field := range s.Fields {
		fd := fields.ByNumber(protoreflect.FieldNumber(i + 1))
		if !msg.Has(fd) {
			continue
		}
		fieldPath := codec.FieldPath(path, field.Name)
		v, err := f.readField(msg, fd, field.TypeRef, fieldPath)
		if err != nil {
			return nil, err
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (f *Format) readField(msg protoreflect.Message, fd protoreflect.FieldDescriptor, ref types.TypeRef, path string) (any, error) {
	switch ref.Kind {
	case types.List:
		list := msg.Get(fd).List()
		items := make([]any, 0, list.Len())
		for i := 0; i < list.Len(); i++ {
			item, err := f.read(list.Get(i), *ref.Member, codec.IndexPath(path, i))
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	case types.Map:
		pm := msg.Get(fd).Map()
		keys := make([]string, 0, pm.Len())
		pm.Range(func(k protoreflect.MapKey, _ protoreflect.Value) bool {
			keys = append(keys, k.String())
			return true
		})
		sort.Strings(keys)
		m := codec.NewMap()
		for _, key := range keys {
			v, err := f.read(pm.Get(protoreflect.ValueOfString(key).MapKey()), *ref.Member, codec.KeyPath(path, key))
			if err != nil {
				return nil, err
			}
			m.Set(key, v)
		}
		return m, nil
	}
	return f.read(msg.Get(fd), ref, path)
}

func (f *Format) read(v protoreflect.Value, ref types.TypeRef, path string) (any, error) {
	switch ref.Kind {
	case types.Structure:
		s, err := f.shapes.Lookup(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return f.readMessage(v.Message(), s, path)
	case types.List, types.Map:
		wrapper := v.Message()
		return f.readField(wrapper, wrapper.Descriptor().Fields().ByNumber(1), ref, path)
	case types.Enum:
		e, err := f.shapes.LookupEnum(ref.ShapeRef)
		if err != nil {
			return nil, err
		}
		return codec.FromValue(v.String(), e)
	case types.String:
		return v.String(), nil
	case types.Integer:
		return int32(v.Int()), nil
	case types.Long:
		return v.Int(), nil
	case types.Float:
		return float32(v.Float()), nil
	case types.Double:
		return v.Float(), nil
	case types.Boolean:
		return v.Bool(), nil
	case types.Timestamp:
		return time.UnixMilli(v.Int()).UTC(), nil
	case types.Blob:
		return append([]byte{}, v.Bytes()...), nil
	}
	return nil, &codec.DecodingError{Path: path, Reason: fmt.Sprintf("unsupported kind %s", ref.Kind)}
}
