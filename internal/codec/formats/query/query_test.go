package query

import (
	"errors"
	"testing"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/shapetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_ListIndexing(t *testing.T) {
	enc := NewEncoder(shapetest.Registry())

	params, err := enc.Params(codec.Record{
		"Name": "n",
		"Tags": []any{
			codec.Record{"Key": "a", "Value": "1"},
			codec.Record{"Key": "b"},
			codec.Record{"Key": "a", "Value": "3"},
		},
	}, "Topic", "")
	require.NoError(t, err)

	assert.Equal(t, []Param{
		{Name: "Name", Value: "n"},
		{Name: "Tags.member.1.Key", Value: "a"},
		{Name: "Tags.member.1.Value", Value: "1"},
		{Name: "Tags.member.2.Key", Value: "b"},
		{Name: "Tags.member.3.Key", Value: "a"},
		{Name: "Tags.member.3.Value", Value: "3"},
	}, params)
}

func TestEncoder_Prefix(t *testing.T) {
	enc := NewEncoder(shapetest.Registry())

	params, err := enc.Params(codec.Record{"Key": "k", "Value": "v"}, "Tag", "Tags.member.1.")
	require.NoError(t, err)
	assert.Equal(t, []Param{{Name: "Tags.member.1.Key", Value: "k"}, {Name: "Tags.member.1.Value", Value: "v"}}, params)
}

func TestEncoder_AllKinds(t *testing.T) {
	enc := NewEncoder(shapetest.Registry())

	params, err := enc.Params(codec.Record{
		"Created":    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"Name":       "n",
		"Arn":        "arn",
		"Aliases":    []any{"x", "y"},
		"Attributes": codec.MapOf("b", "2", "a", "1"),
		"Status":     "INACTIVE",
		"Owner":      codec.Record{"Id": "o"},
		"Enabled":    false,
		"Payload":    []byte("hi"),
	}, "Topic", "")
	require.NoError(t, err)

	assert.Equal(t, []Param{
		{Name: "Name", Value: "n"},
		{Name: "TopicArn", Value: "arn"},
		{Name: "Aliases.member.1", Value: "x"},
		{Name: "Aliases.member.2", Value: "y"},
		{Name: "Attributes.entry.1.key", Value: "b"},
		{Name: "Attributes.entry.1.value", Value: "2"},
		{Name: "Attributes.entry.2.key", Value: "a"},
		{Name: "Attributes.entry.2.value", Value: "1"},
		{Name: "Status", Value: "INACTIVE"},
		{Name: "Owner.Id", Value: "o"},
		{Name: "Enabled", Value: "false"},
		{Name: "Created", Value: "2024-05-01T12:00:00Z"},
		{Name: "Payload", Value: "aGk="},
	}, params)
}

func TestEncoder_EmptyCollections(t *testing.T) {
	enc := NewEncoder(shapetest.Registry())

	params, err := enc.Params(codec.Record{"Name": "n", "Tags": []any{}, "Attributes": codec.NewMap()}, "Topic", "")
	require.NoError(t, err)
	assert.Equal(t, []Param{{Name: "Name", Value: "n"}, {Name: "Tags"}, {Name: "Attributes"}}, params)

	params, err = enc.Params(codec.Record{"Name": "n", "Owner": codec.Record{}}, "Topic", "")
	require.NoError(t, err)
	assert.Equal(t, []Param{{Name: "Name", Value: "n"}, {Name: "Owner"}}, params)
}

func TestEncoder_Errors(t *testing.T) {
	enc := NewEncoder(shapetest.Registry())

	tests := []struct {
		name   string
		record codec.Record
		path   string
	}{
		{name: "Missing required", record: codec.Record{}, path: "Name"},
		{name: "Null list element", record: codec.Record{"Name": "n", "Aliases": []any{"a", nil}}, path: "Aliases[1]"},
		{name: "Wrong element type", record: codec.Record{"Name": "n", "Tags": []any{"tag"}}, path: "Tags[0]"},
		{name: "Null map value", record: codec.Record{"Name": "n", "Attributes": map[string]any{"k": nil}}, path: `Attributes["k"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := enc.Params(tt.record, "Topic", "")
			assert.Nil(t, params)
			var encErr *codec.EncodingError
			require.True(t, errors.As(err, &encErr), "got %v", err)
			assert.Equal(t, tt.path, encErr.Path)
		})
	}

	_, err := enc.Params(codec.Record{"Name": "n", "Status": "GONE"}, "Topic", "")
	var enumErr *codec.InvalidEnumValueError
	assert.True(t, errors.As(err, &enumErr))
}

func TestForm(t *testing.T) {
	body := Form([]Param{{Name: "Action", Value: "CreateTopic"}, {Name: "Name", Value: "a b&c"}, {Name: "Tags"}, {Name: "Attr.entry.1.key", Value: "é"}})
	assert.Equal(t, "Action=CreateTopic&Name=a+b%26c&Tags=&Attr.entry.1.key=%C3%A9", body)

	params, err := ParseForm(body)
	require.NoError(t, err)
	assert.Equal(t, []Param{{Name: "Action", Value: "CreateTopic"}, {Name: "Name", Value: "a b&c"}, {Name: "Tags", Value: ""}, {Name: "Attr.entry.1.key", Value: "é"}}, params)

	_, err = ParseForm("Name=%zz")
	assert.Error(t, err)
}

func TestQuery_RoundTrip(t *testing.T) {
	registry := shapetest.Registry()
	enc := NewEncoder(registry)
	dec := NewDecoder(registry)

	records := []codec.Record{
		{"Name": "only"},
		{"Name": "empty", "Tags": []any{}, "Aliases": []any{}, "Attributes": codec.NewMap()},
		{"Name": "empty owner", "Owner": codec.Record{}},
		{
			"Name":       "orders",
			"Arn":        "arn:aws:sns:us-east-1:123456789012:orders",
			"Tags":       []any{codec.Record{"Key": "env", "Value": "prod"}, codec.Record{"Key": "team"}},
			"Aliases":    []any{"o", "o", "ord"},
			"Attributes": codec.MapOf("zeta", "1", "alpha", "2"),
			"Status":     "DELETING",
			"Owner":      codec.Record{"Id": "123", "DisplayName": "ops & co"},
			"Count":      int32(-3),
			"Size":       int64(1) << 40,
			"Ratio":      float32(0.25),
			"Score":      1.5,
			"Enabled":    true,
			"Created":    time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC),
			"Payload":    []byte{0, 1, 2, 255},
		},
	}

	for _, rec := range records {
		t.Run(rec["Name"].(string), func(t *testing.T) {
			params, err := enc.Params(rec, "Topic", "")
			require.NoError(t, err)

			body := "Action=CreateTopic&Version=2010-03-31&" + Form(params)
			got, err := dec.Decode([]byte(body), "Topic")
			require.NoError(t, err)
			assert.Equal(t, rec, got)
		})
	}
}

func TestQuery_RoundTripRecursive(t *testing.T) {
	registry := shapetest.Registry()
	rec := codec.Record{"Value": "root", "Children": []any{
		codec.Record{"Value": "a", "Children": []any{codec.Record{"Value": "a1"}}},
		codec.Record{"Value": "b"},
	}}

	params, err := NewEncoder(registry).Params(rec, "Tree", "")
	require.NoError(t, err)
	assert.Equal(t, "Children.member.1.Children.member.1.Value", params[2].Name)

	got, err := NewDecoder(registry).Bind(params, "Tree", "")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestQuery_RoundTripEmptyStructures(t *testing.T) {
	registry := shapetest.Registry()
	rec := codec.Record{"Children": []any{
		codec.Record{},
		codec.Record{"Value": "x"},
		codec.Record{"Children": []any{codec.Record{}}},
	}}

	params, err := NewEncoder(registry).Params(rec, "Tree", "")
	require.NoError(t, err)
	assert.Equal(t, []Param{
		{Name: "Children.member.1"},
		{Name: "Children.member.2.Value", Value: "x"},
		{Name: "Children.member.3.Children.member.1"},
	}, params)

	got, err := NewDecoder(registry).Decode([]byte(Form(params)), "Tree")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecoder_Prefix(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	got, err := dec.Bind([]Param{{Name: "Tags.member.2.Key", Value: "x"}, {Name: "Key", Value: "ignored"}}, "Tag", "Tags.member.2.")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Key": "x"}, got)
}

func TestDecoder_Errors(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	tests := []struct {
		name string
		body string
	}{
		{name: "Index gap", body: "Aliases.member.1=a&Aliases.member.3=c"},
		{name: "Index zero", body: "Aliases.member.0=a"},
		{name: "Duplicate index", body: "Aliases.member.1=a&Aliases.member.01=b"},
		{name: "Entry without key", body: "Attributes.entry.1.value=v"},
		{name: "Entry without value", body: "Attributes.entry.1.key=k"},
		{name: "Structure where value expected", body: "Count.x=1"},
		{name: "Bad integer", body: "Count=many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dec.Decode([]byte(tt.body), "Topic")
			var decErr *codec.DecodingError
			assert.True(t, errors.As(err, &decErr), "got %v", err)
		})
	}

	_, err := dec.Decode([]byte("Status=UNKNOWN"), "Topic")
	var enumErr *codec.InvalidEnumValueError
	assert.True(t, errors.As(err, &enumErr))
}
