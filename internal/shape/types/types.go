package types

// Kind represents the wire type of a value
type Kind string

const (
	String    Kind = "string"
	Integer   Kind = "integer"
	Long      Kind = "long"
	Float     Kind = "float"
	Double    Kind = "double"
	Boolean   Kind = "boolean"
	Timestamp Kind = "timestamp"
	Blob      Kind = "blob"
	Enum      Kind = "enum"
	List      Kind = "list"
	Map       Kind = "map"
	Structure Kind = "structure"
)

// IsScalar reports whether values of the kind carry no nested shape
func (k Kind) IsScalar() bool {
	switch k {
	case String, Integer, Long, Float, Double, Boolean, Timestamp, Blob:
		return true
	}
	return false
}

// IsValid reports whether k is one of the known kinds
func (k Kind) IsValid() bool {
	switch k {
	case Enum, List, Map, Structure:
		return true
	}
	return k.IsScalar()
}

// DefaultMemberName is the element tag used for query and XML lists
const DefaultMemberName = "member"

// TypeRef describes the type of a field, list element or map value
type TypeRef struct {
	Kind Kind `json:"kind"`
	// ShapeRef names the structure or enum for Structure and Enum kinds
	ShapeRef string `json:"shapeRef,omitempty"`
	// Member is the element type of a list or the value type of a map
	Member *TypeRef `json:"member,omitempty"`
	// MemberName overrides the list element tag in query and XML forms
	MemberName string `json:"memberName,omitempty"`
}

// ElementName returns the list element tag
func (t TypeRef) ElementName() string {
	if t.MemberName != "" {
		return t.MemberName
	}
	return DefaultMemberName
}

// Field is one member of a structure
type Field struct {
	Name     string `json:"name"`
	WireName string `json:"wireName,omitempty"`
	Required bool   `json:"required,omitempty"`
	TypeRef
}

// Wire returns the name used on the wire
func (f Field) Wire() string {
	if f.WireName != "" {
		return f.WireName
	}
	return f.Name
}

// Shape describes one structured type as an ordered set of fields
type Shape struct {
	Name          string  `json:"name"`
	Documentation string  `json:"documentation,omitempty"`
	Fields        []Field `json:"fields"`
}

// Field returns the field with the given member name
func (s *Shape) Field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// EnumShape is a closed set of permitted string values
type EnumShape struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Contains reports whether v is a member of the enum
func (e *EnumShape) Contains(v string) bool {
	for _, value := range e.Values {
		if value == v {
			return true
		}
	}
	return false
}

// Fault classifies who is responsible for a service error
type Fault string

const (
	// FaultClient marks errors caused by the request
	FaultClient Fault = "client"
	// FaultServer marks errors caused by the service
	FaultServer Fault = "server"
	// FaultUnknown is used when the catalog does not say
	FaultUnknown Fault = ""
)

// ErrorShape maps a wire error code to the structure carrying its extra fields
type ErrorShape struct {
	Code  string `json:"code"`
	Fault Fault  `json:"fault,omitempty"`
	// Shape names the structure bound from the error body; empty means no extra fields
	Shape string `json:"shape,omitempty"`
}

// Operation groups the shapes and error catalog of one service call
type Operation struct {
	Name   string       `json:"name"`
	Input  string       `json:"input,omitempty"`
	Output string       `json:"output,omitempty"`
	Errors []ErrorShape `json:"errors,omitempty"`
}

// Document is the declarative schema input loaded at startup
type Document struct {
	Shapes     []Shape     `json:"shapes,omitempty"`
	Enums      []EnumShape `json:"enums,omitempty"`
	Operations []Operation `json:"operations,omitempty"`
}

// Protocol names a wire form
type Protocol string

const (
	// JSON is the awsJson body form
	JSON Protocol = "json"
	// Query is the form-encoded request / XML response form
	Query Protocol = "query"
	// Avro is the Avro binary form of a record
	Avro Protocol = "avro"
	// Protobuf is the protobuf binary form of a record
	Protobuf Protocol = "protobuf"
)

// CompatibilityLevel represents the compatibility level for shape evolution
type CompatibilityLevel string

const (
	// Backward compatibility: new shape can read data written with old shape
	Backward CompatibilityLevel = "BACKWARD"
	// Forward compatibility: old shape can read data written with new shape
	Forward CompatibilityLevel = "FORWARD"
	// Full compatibility: both backward and forward compatibility
	Full CompatibilityLevel = "FULL"
	// None: no compatibility checking
	None CompatibilityLevel = "NONE"
	// BackwardTransitive: new shape can read data written with all previous shapes
	BackwardTransitive CompatibilityLevel = "BACKWARD_TRANSITIVE"
	// ForwardTransitive: all previous shapes can read data written with new shape
	ForwardTransitive CompatibilityLevel = "FORWARD_TRANSITIVE"
	// FullTransitive: both backward and forward transitive compatibility
	FullTransitive CompatibilityLevel = "FULL_TRANSITIVE"
)

// IsTransitive reports whether the level checks against every previous version
func (l CompatibilityLevel) IsTransitive() bool {
	return l == BackwardTransitive || l == ForwardTransitive || l == FullTransitive
}

// IsValid reports whether l is a known level
func (l CompatibilityLevel) IsValid() bool {
	switch l {
	case Backward, Forward, Full, None, BackwardTransitive, ForwardTransitive, FullTransitive:
		return true
	}
	return false
}
