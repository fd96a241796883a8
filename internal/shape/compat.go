package shape

import (
	"fmt"
	"log/slog"

	"shapecodec/internal/shape/types"
)

// CheckCompatibility checks whether a new version of a shape may replace the old one
func CheckCompatibility(oldShape, newShape *types.Shape, level types.CompatibilityLevel) (bool, error) {
	slog.Debug("CheckCompatibility called", "shape", newShape.Name, "level", level)

	switch level {
	case types.Backward, types.BackwardTransitive:
		// New shape can read data written with old shape
		return checkBackward(oldShape, newShape)
	case types.Forward, types.ForwardTransitive:
		// Old shape can read data written with new shape
		return checkBackward(newShape, oldShape)
	case types.Full, types.FullTransitive:
		backward, err := checkBackward(oldShape, newShape)
		if err != nil || !backward {
			return false, err
		}
		return checkBackward(newShape, oldShape)
	case types.None:
		return true, nil
	default:
		return false, fmt.Errorf("unsupported compatibility level: %s", level)
	}
}

// checkBackward reports whether reader can decode everything writer produces
func checkBackward(writer, reader *types.Shape) (bool, error) {
	writerFields := fieldsByWireName(writer)
	readerFields := fieldsByWireName(reader)

	for name, wf := range writerFields {
		rf, exists := readerFields[name]
		if !exists {
			// Readers skip members they do not know
			continue
		}
		if !sameType(wf.TypeRef, rf.TypeRef) {
			slog.Debug("Type mismatch detected", "field", name, "oldKind", wf.Kind, "newKind", rf.Kind)
			return false, fmt.Errorf("incompatible type change for field %s", name)
		}
	}

	// Data written without a field the reader requires cannot be read
	for name, rf := range readerFields {
		if _, exists := writerFields[name]; !exists && rf.Required {
			return false, fmt.Errorf("required field %s added", name)
		}
	}

	return true, nil
}

// CheckEnumCompatibility checks whether a new version of an enum may replace the old one
func CheckEnumCompatibility(oldEnum, newEnum *types.EnumShape, level types.CompatibilityLevel) (bool, error) {
	switch level {
	case types.Backward, types.BackwardTransitive:
		return enumSuperset(newEnum, oldEnum)
	case types.Forward, types.ForwardTransitive:
		return enumSuperset(oldEnum, newEnum)
	case types.Full, types.FullTransitive:
		ok, err := enumSuperset(newEnum, oldEnum)
		if err != nil || !ok {
			return false, err
		}
		return enumSuperset(oldEnum, newEnum)
	case types.None:
		return true, nil
	default:
		return false, fmt.Errorf("unsupported compatibility level: %s", level)
	}
}

func enumSuperset(reader, writer *types.EnumShape) (bool, error) {
	for _, v := range writer.Values {
		if !reader.Contains(v) {
			return false, fmt.Errorf("enum %s: value %s not readable", reader.Name, v)
		}
	}
	return true, nil
}

func fieldsByWireName(s *types.Shape) map[string]types.Field {
	fields := make(map[string]types.Field, len(s.Fields))
	for _, f := range s.Fields {
		fields[f.Wire()] = f
	}
	return fields
}

func sameType(a, b types.TypeRef) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case types.Structure, types.Enum:
		return a.ShapeRef == b.ShapeRef
	case types.List, types.Map:
		if a.ElementName() != b.ElementName() {
			return false
		}
		// Shorthand and expanded member forms compare by what they resolve to
		am, bm := memberOf(a), memberOf(b)
		if am == nil || bm == nil {
			return am == nil && bm == nil
		}
		return sameType(*am, *bm)
	}
	return true
}

func memberOf(ref types.TypeRef) *types.TypeRef {
	if ref.Member != nil {
		return ref.Member
	}
	if ref.ShapeRef != "" {
		// Unresolved shorthand; the referenced kind is unknown here so compare by name only
		return &types.TypeRef{Kind: types.Structure, ShapeRef: ref.ShapeRef}
	}
	return nil
}
