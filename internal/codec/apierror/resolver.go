// Package apierror turns wire error responses into typed service errors using
// the error catalog of an operation.
package apierror

import (
	"bytes"
	"fmt"
	"strings"

	"shapecodec/internal/codec"
	jsonformat "shapecodec/internal/codec/formats/json"
	xmlformat "shapecodec/internal/codec/formats/xml"
	"shapecodec/internal/codec/wire"
	"shapecodec/internal/shape/types"

	"github.com/aws/smithy-go"
	smithyxml "github.com/aws/smithy-go/encoding/xml"
)

// ServiceError is a wire error matched to an entry of the error catalog
type ServiceError struct {
	Code    string
	Message string
	Fault   smithy.ErrorFault
	// Shape names the structure Fields were bound from; empty when the entry has none
	Shape     string
	Fields    codec.Record
	RequestID string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// ErrorCode returns the wire error code
func (e *ServiceError) ErrorCode() string { return e.Code }

// ErrorMessage returns the wire error message
func (e *ServiceError) ErrorMessage() string { return e.Message }

// ErrorFault returns who is responsible for the error
func (e *ServiceError) ErrorFault() smithy.ErrorFault { return e.Fault }

var _ smithy.APIError = (*ServiceError)(nil)

// Binder binds the extra fields of the named error structure from the response
type Binder func(shapeName string) (codec.Record, error)

// Resolve returns the first candidate whose code matches as a *ServiceError,
// with its shape fields filled by bind. When nothing matches the result is a
// *smithy.GenericAPIError carrying the raw code and message.
func Resolve(code, message string, candidates []types.ErrorShape, bind Binder) error {
	return resolve(components{Code: code, Message: message}, candidates, bind)
}

type components struct {
	Code      string
	Message   string
	Fault     smithy.ErrorFault
	RequestID string
}

func resolve(c components, candidates []types.ErrorShape, bind Binder) error {
	for _, candidate := range candidates {
		if candidate.Code != c.Code {
			continue
		}

		svcErr := &ServiceError{
			Code:      c.Code,
			Message:   c.Message,
			Fault:     c.Fault,
			Shape:     candidate.Shape,
			RequestID: c.RequestID,
		}
		if f := faultOf(candidate.Fault); f != smithy.FaultUnknown {
			svcErr.Fault = f
		}
		if candidate.Shape != "" && bind != nil {
			fields, err := bind(candidate.Shape)
			if err != nil {
				return fmt.Errorf("bind %s error fields: %w", c.Code, err)
			}
			svcErr.Fields = fields
		}
		return svcErr
	}

	return &smithy.GenericAPIError{Code: c.Code, Message: c.Message, Fault: c.Fault}
}

func faultOf(f types.Fault) smithy.ErrorFault {
	switch f {
	case types.FaultClient:
		return smithy.FaultClient
	case types.FaultServer:
		return smithy.FaultServer
	}
	return smithy.FaultUnknown
}

// ResolveJSON resolves a JSON error body. The code comes from the
// X-Amzn-Errortype header when set, else from the body's __type, code or Code
// member.
func ResolveJSON(body []byte, headerCode string, candidates []types.ErrorShape, shapes codec.Resolver) error {
	root, err := wire.ParseBytes(body)
	if err != nil {
		if headerCode == "" {
			return &codec.DecodingError{Reason: "malformed JSON error response", Err: err}
		}
		root = wire.Value{}
	}

	code := headerCode
	if code == "" {
		code = firstString(root, "__type", "code", "Code")
	}
	if code == "" {
		return &codec.DecodingError{Reason: "error response has no error code"}
	}

	c := components{
		Code:    SanitizeCode(code),
		Message: firstString(root, "message", "Message", "errorMessage"),
	}
	format := jsonformat.New(shapes)
	return resolve(c, candidates, func(shapeName string) (codec.Record, error) {
		s, err := shapes.Lookup(shapeName)
		if err != nil {
			return nil, err
		}
		return format.Bind(root, s)
	})
}

// SanitizeCode strips the namespace and URI decorations some services add to
// error codes, e.g. "aws.protocoltests#FooError:http://..." becomes "FooError"
func SanitizeCode(code string) string {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[:i]
	}
	if i := strings.LastIndexByte(code, '#'); i >= 0 {
		code = code[i+1:]
	}
	return code
}

func firstString(v wire.Value, keys ...string) string {
	for _, key := range keys {
		if member, ok := v.Get(key); ok && member.Type == wire.String && member.Str() != "" {
			return member.Str()
		}
	}
	return ""
}

// ResolveXML resolves a query protocol XML error body, either wrapped in
// <ErrorResponse> or a bare <Error> element
func ResolveXML(body []byte, candidates []types.ErrorShape, shapes codec.Resolver) error {
	wrapped := bytes.Contains(body, []byte("<ErrorResponse"))
	ec, err := smithyxml.GetErrorResponseComponents(bytes.NewReader(body), !wrapped)
	if err != nil {
		return &codec.DecodingError{Reason: "malformed XML error response", Err: err}
	}
	if ec.Code == "" {
		return &codec.DecodingError{Reason: "error response has no error code"}
	}

	c := components{Code: ec.Code, Message: ec.Message}
	if errType, ok, _ := xmlformat.ElementText(body, "Type"); ok {
		c.Fault = faultOfType(strings.TrimSpace(errType))
	}
	for _, element := range []string{"RequestId", "RequestID"} {
		if id, ok, _ := xmlformat.ElementText(body, element); ok {
			c.RequestID = strings.TrimSpace(id)
			break
		}
	}

	dec := xmlformat.NewDecoder(shapes)
	return resolve(c, candidates, func(shapeName string) (codec.Record, error) {
		return dec.DecodeElement(body, shapeName, "Error")
	})
}

func faultOfType(errType string) smithy.ErrorFault {
	switch errType {
	case "Sender":
		return smithy.FaultClient
	case "Receiver":
		return smithy.FaultServer
	}
	return smithy.FaultUnknown
}
