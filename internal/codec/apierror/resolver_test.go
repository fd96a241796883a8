package apierror

import (
	"errors"
	"testing"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/shapetest"
	"shapecodec/internal/shape/types"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	candidates := shapetest.TopicErrors()
	bound := 0
	bind := func(shapeName string) (codec.Record, error) {
		bound++
		return codec.Record{"Type": "Subscription", "From": shapeName}, nil
	}

	err := Resolve("ConflictException", "already exists", candidates, bind)
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "ConflictException", svcErr.ErrorCode())
	assert.Equal(t, "already exists", svcErr.ErrorMessage())
	assert.Equal(t, smithy.FaultClient, svcErr.ErrorFault())
	// The first registration wins over the later duplicate
	assert.Equal(t, "ConflictException", svcErr.Shape)
	assert.Equal(t, codec.Record{"Type": "Subscription", "From": "ConflictException"}, svcErr.Fields)
	assert.Equal(t, 1, bound)

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "api error ConflictException: already exists", err.Error())
}

func TestResolve_NoShape(t *testing.T) {
	err := Resolve("InternalError", "boom", shapetest.TopicErrors(), func(string) (codec.Record, error) {
		t.Fatal("bind must not be called for an entry without shape")
		return nil, nil
	})
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, smithy.FaultServer, svcErr.Fault)
	assert.Nil(t, svcErr.Fields)
}

func TestResolve_Unmatched(t *testing.T) {
	err := Resolve("Foo", "unknown failure", shapetest.TopicErrors(), func(string) (codec.Record, error) {
		t.Fatal("bind must not be called without a match")
		return nil, nil
	})

	var generic *smithy.GenericAPIError
	require.True(t, errors.As(err, &generic))
	assert.Equal(t, "Foo", generic.Code)
	assert.Equal(t, "unknown failure", generic.Message)

	var svcErr *ServiceError
	assert.False(t, errors.As(err, &svcErr))

	err = Resolve("Foo", "", nil, nil)
	assert.True(t, errors.As(err, &generic))
}

func TestResolve_BindError(t *testing.T) {
	err := Resolve("ConflictException", "", shapetest.TopicErrors(), func(string) (codec.Record, error) {
		return nil, &codec.DecodingError{Reason: "bad"}
	})
	var decErr *codec.DecodingError
	assert.True(t, errors.As(err, &decErr))
}

func TestSanitizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "ConflictException", want: "ConflictException"},
		{in: "aws.sns#ConflictException", want: "ConflictException"},
		{in: "ConflictException:http://internal.amazon.com/coral/com.amazon.coral/", want: "ConflictException"},
		{in: "aws.sns#ConflictException:http://internal.amazon.com/coral/", want: "ConflictException"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeCode(tt.in), tt.in)
	}
}

func TestResolveJSON(t *testing.T) {
	registry := shapetest.Registry()
	candidates := registry.Errors("CreateTopic")

	tests := []struct {
		name     string
		body     string
		header   string
		code     string
		message  string
		fields   codec.Record
		typedErr bool
	}{
		{
			name:     "Type member with namespace",
			body:     `{"__type":"aws.sns#ConflictException","message":"exists","Type":"Topic","Extra":1}`,
			code:     "ConflictException",
			message:  "exists",
			fields:   codec.Record{"Message": "exists", "Type": "Topic"},
			typedErr: true,
		},
		{
			name:     "Header wins over body",
			body:     `{"code":"Other","Message":"bad name","Parameter":"Name"}`,
			header:   "InvalidParameterException:http://example.com/",
			code:     "InvalidParameterException",
			message:  "bad name",
			fields:   codec.Record{"Parameter": "Name"},
			typedErr: true,
		},
		{
			name:    "Code member and errorMessage",
			body:    `{"Code":"Foo","errorMessage":"nope"}`,
			code:    "Foo",
			message: "nope",
		},
		{
			name:   "Header with unparsable body",
			body:   `<html>`,
			header: "Throttling",
			code:   "Throttling",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ResolveJSON([]byte(tt.body), tt.header, candidates, registry)
			var apiErr smithy.APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.code, apiErr.ErrorCode())
			assert.Equal(t, tt.message, apiErr.ErrorMessage())

			var svcErr *ServiceError
			assert.Equal(t, tt.typedErr, errors.As(err, &svcErr))
			if tt.typedErr {
				assert.Equal(t, tt.fields, svcErr.Fields)
			}
		})
	}
}

func TestResolveJSON_Errors(t *testing.T) {
	registry := shapetest.Registry()

	for _, body := range []string{`{"message":"no code"}`, `not json`, ``} {
		err := ResolveJSON([]byte(body), "", registry.Errors("CreateTopic"), registry)
		var decErr *codec.DecodingError
		assert.True(t, errors.As(err, &decErr), body)
	}
}

func TestResolveXML(t *testing.T) {
	registry := shapetest.Registry()
	candidates := registry.Errors("CreateTopic")

	wrapped := `<ErrorResponse xmlns="http://sns.amazonaws.com/doc/2010-03-31/">
  <Error>
    <Type>Sender</Type>
    <Code>InvalidParameterException</Code>
    <Message>Invalid parameter: Name</Message>
    <Parameter>Name</Parameter>
  </Error>
  <RequestId>9f8e7d6c</RequestId>
</ErrorResponse>`

	err := ResolveXML([]byte(wrapped), candidates, registry)
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr), "got %v", err)
	assert.Equal(t, "InvalidParameterException", svcErr.Code)
	assert.Equal(t, "Invalid parameter: Name", svcErr.Message)
	assert.Equal(t, smithy.FaultClient, svcErr.Fault)
	assert.Equal(t, "9f8e7d6c", svcErr.RequestID)
	assert.Equal(t, codec.Record{"Parameter": "Name"}, svcErr.Fields)

	bare := `<Error><Type>Receiver</Type><Code>ServiceUnavailable</Code><Message>try later</Message></Error>`
	err = ResolveXML([]byte(bare), candidates, registry)
	var generic *smithy.GenericAPIError
	require.True(t, errors.As(err, &generic), "got %v", err)
	assert.Equal(t, "ServiceUnavailable", generic.Code)
	assert.Equal(t, "try later", generic.Message)
	assert.Equal(t, smithy.FaultServer, generic.Fault)
}

func TestResolveXML_Errors(t *testing.T) {
	registry := shapetest.Registry()

	for _, body := range []string{`<ErrorResponse><Error><Message>x</Message></Error></ErrorResponse>`, `<ErrorResponse><Error>`} {
		err := ResolveXML([]byte(body), []types.ErrorShape{{Code: "X"}}, registry)
		var decErr *codec.DecodingError
		assert.True(t, errors.As(err, &decErr), body)
	}
}
