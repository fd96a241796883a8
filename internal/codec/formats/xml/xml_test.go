package xml

import (
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/shape/shapetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Events(t *testing.T) {
	rd := NewBytesReader([]byte(`<?xml version="1.0"?><a><!-- note --><b>x</b><c/></a>`))

	var got []Event
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}

	assert.Equal(t, []Event{
		{Type: StartElement, Name: "a", Depth: 1},
		{Type: StartElement, Name: "b", Depth: 2},
		{Type: Text, Text: "x", Depth: 2},
		{Type: EndElement, Name: "b", Depth: 1},
		{Type: StartElement, Name: "c", Depth: 2},
		{Type: EndElement, Name: "c", Depth: 1},
		{Type: EndElement, Name: "a", Depth: 0},
	}, got)
	assert.Equal(t, 0, rd.Depth())
}

func TestReader_Malformed(t *testing.T) {
	rd := NewBytesReader([]byte(`<a><b></a>`))
	var err error
	for err == nil {
		_, err = rd.Next()
	}
	var decErr *codec.DecodingError
	assert.True(t, errors.As(err, &decErr))
}

const createTopicResponse = `<?xml version="1.0"?>
<CreateTopicResponse xmlns="http://sns.amazonaws.com/doc/2010-03-31/">
  <CreateTopicResult>
    <TopicArn>arn:aws:sns:us-east-1:123456789012:orders</TopicArn>
    <Status>ACTIVE</Status>
  </CreateTopicResult>
  <ResponseMetadata>
    <RequestId>a8dec8b3-33a4-11df-8963-01868b7c937a</RequestId>
  </ResponseMetadata>
</CreateTopicResponse>`

func TestDecoder_Decode(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	got, err := dec.Decode([]byte(createTopicResponse), "CreateTopicResult", "CreateTopicResult")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"TopicArn": "arn:aws:sns:us-east-1:123456789012:orders", "Status": "ACTIVE"}, got)
}

func TestDecoder_DecodeMissingWrapper(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	got, err := dec.Decode([]byte(`<CreateTopicResponse><Other><TopicArn>x</TopicArn></Other></CreateTopicResponse>`), "CreateTopicResult", "CreateTopicResult")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, body := range []string{"", "   ", "plain text"} {
		got, err = dec.Decode([]byte(body), "CreateTopicResult", "")
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestDecoder_AllKinds(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	body := `<Topic>
  <Name> spaced </Name>
  <TopicArn>arn</TopicArn>
  <Tags>
    <member><Key>env</Key><Value>prod</Value></member>
    <member><Key>team</Key></member>
  </Tags>
  <Aliases><member>a</member><member>b</member></Aliases>
  <Attributes>
    <entry><key>zeta</key><value>1</value></entry>
    <entry><value>2</value><key>alpha</key></entry>
  </Attributes>
  <Status>INACTIVE</Status>
  <Owner><Id>42</Id><DisplayName>ops</DisplayName></Owner>
  <Count>7</Count>
  <Size>1099511627776</Size>
  <Ratio>0.5</Ratio>
  <Score>NaN</Score>
  <Enabled>true</Enabled>
  <Created>2024-05-01T12:30:45.123Z</Created>
  <Payload>aGk=</Payload>
</Topic>`

	got, err := dec.Decode([]byte(body), "Topic", "")
	require.NoError(t, err)

	score, ok := got["Score"].(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(score))
	delete(got, "Score")

	assert.Equal(t, codec.Record{
		"Name":       " spaced ",
		"Arn":        "arn",
		"Tags":       []any{codec.Record{"Key": "env", "Value": "prod"}, codec.Record{"Key": "team"}},
		"Aliases":    []any{"a", "b"},
		"Attributes": codec.MapOf("zeta", "1", "alpha", "2"),
		"Status":     "INACTIVE",
		"Owner":      codec.Record{"Id": "42", "DisplayName": "ops"},
		"Count":      int32(7),
		"Size":       int64(1) << 40,
		"Ratio":      float32(0.5),
		"Enabled":    true,
		"Created":    time.Date(2024, 5, 1, 12, 30, 45, 123000000, time.UTC),
		"Payload":    []byte("hi"),
	}, got)
}

func TestDecoder_EmptyElements(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	got, err := dec.Decode([]byte(`<Topic><Name/><Tags/><Attributes></Attributes><Owner/></Topic>`), "Topic", "")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Name": "", "Tags": []any{}, "Attributes": codec.NewMap(), "Owner": codec.Record{}}, got)
}

func TestDecoder_PrettyPrintedText(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	body := "<Topic>\n  <Name> padded </Name>\n  <Status>\n    ACTIVE\n  </Status>\n  <Count>\n    3\n  </Count>\n</Topic>"

	got, err := dec.Decode([]byte(body), "Topic", "")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Name": " padded ", "Status": "ACTIVE", "Count": int32(3)}, got)
}

func TestDecoder_MatchesByDepth(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	// Name and Value recur inside elements the shapes do not declare
	body := `<Topic>
  <Extra><Name>wrong</Name><Tags><member><Key>no</Key></member></Tags></Extra>
  <Tags><member><Key>k</Key><Extra><Value>wrong</Value></Extra></member></Tags>
  <Name>right</Name>
</Topic>`

	got, err := dec.Decode([]byte(body), "Topic", "")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Name": "right", "Tags": []any{codec.Record{"Key": "k"}}}, got)
}

func TestDecoder_RecursiveShape(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	body := `<Tree><Value>root</Value><Children>
  <member><Value>a</Value><Children><member><Value>a1</Value></member></Children></member>
  <member><Value>b</Value></member>
</Children></Tree>`

	got, err := dec.Decode([]byte(body), "Tree", "")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Value": "root", "Children": []any{
		codec.Record{"Value": "a", "Children": []any{codec.Record{"Value": "a1"}}},
		codec.Record{"Value": "b"},
	}}, got)
}

func TestDecoder_UnmarshalStopsAtEnclosingElement(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())
	rd := NewBytesReader([]byte(`<Envelope><Owner><Id>1</Id></Owner><Id>2</Id></Envelope>`))

	for {
		ev, err := rd.Next()
		require.NoError(t, err)
		if ev.Type == StartElement && ev.Name == "Owner" {
			break
		}
	}
	got, err := dec.Unmarshal(rd, "Owner", rd.Depth()+1)
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Id": "1"}, got)

	// The reader is left just after </Owner>
	ev, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{Type: StartElement, Name: "Id", Depth: 2}, ev)
}

func TestDecoder_DecodeElement(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	body := `<ErrorResponse><Error><Type>Sender</Type><Code>InvalidParameter</Code><Message>bad</Message><Parameter>Name</Parameter></Error><RequestId>r</RequestId></ErrorResponse>`
	got, err := dec.DecodeElement([]byte(body), "InvalidParameterException", "Error")
	require.NoError(t, err)
	assert.Equal(t, codec.Record{"Parameter": "Name"}, got)

	got, err = dec.DecodeElement([]byte(`<Other/>`), "InvalidParameterException", "Error")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecoder_Errors(t *testing.T) {
	dec := NewDecoder(shapetest.Registry())

	tests := []struct {
		name string
		body string
	}{
		{name: "Bad integer", body: `<Topic><Count>x</Count></Topic>`},
		{name: "Bad timestamp", body: `<Topic><Created>yesterday</Created></Topic>`},
		{name: "Entry without key", body: `<Topic><Attributes><entry><value>1</value></entry></Attributes></Topic>`},
		{name: "Entry without value", body: `<Topic><Attributes><entry><key>k</key></entry></Attributes></Topic>`},
		{name: "Truncated", body: `<Topic><Tags><member>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dec.Decode([]byte(tt.body), "Topic", "")
			var decErr *codec.DecodingError
			assert.True(t, errors.As(err, &decErr), "got %v", err)
		})
	}

	_, err := dec.Decode([]byte(`<Topic><Status>PENDING</Status></Topic>`), "Topic", "")
	var enumErr *codec.InvalidEnumValueError
	assert.True(t, errors.As(err, &enumErr))
}
