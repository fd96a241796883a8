package engine

import (
	"bytes"

	"shapecodec/internal/codec"
	"shapecodec/internal/codec/formats/query"
	"shapecodec/internal/codec/formats/xml"
	"shapecodec/internal/shape/types"
)

// QueryFormat pairs the form-encoded request side of the query protocol with
// its XML response side
type QueryFormat struct {
	enc  *query.Encoder
	form *query.Decoder
	xml  *xml.Decoder
}

// NewQueryFormat creates the query protocol format over a shape resolver
func NewQueryFormat(shapes codec.Resolver) *QueryFormat {
	return &QueryFormat{
		enc:  query.NewEncoder(shapes),
		form: query.NewDecoder(shapes),
		xml:  xml.NewDecoder(shapes),
	}
}

// Protocol returns the protocol this format implements
func (q *QueryFormat) Protocol() types.Protocol {
	return types.Query
}

// Params returns the ordered request parameters of rec
func (q *QueryFormat) Params(rec codec.Record, shapeName string) ([]query.Param, error) {
	return q.enc.Params(rec, shapeName, "")
}

// Encode renders rec as a form body
func (q *QueryFormat) Encode(rec codec.Record, shapeName string) ([]byte, error) {
	params, err := q.Params(rec, shapeName)
	if err != nil {
		return nil, err
	}
	return []byte(query.Form(params)), nil
}

// Decode reads an XML response or a form body without a result wrapper
func (q *QueryFormat) Decode(data []byte, shapeName string) (codec.Record, error) {
	return q.DecodeResult(data, shapeName, "")
}

// DecodeResult reads an XML response whose fields sit under resultWrapper, or
// a form body when data does not start with '<'. An empty payload decodes to
// a nil record.
func (q *QueryFormat) DecodeResult(data []byte, shapeName, resultWrapper string) (codec.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '<' {
		return q.xml.Decode(trimmed, shapeName, resultWrapper)
	}
	return q.form.Decode(trimmed, shapeName)
}
