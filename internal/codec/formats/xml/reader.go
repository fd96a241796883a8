// Package xml binds query protocol XML responses to records by walking a
// forward-only stream of tag events.
package xml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"shapecodec/internal/codec"
)

// EventType is the kind of a tag event
type EventType uint8

const (
	StartElement EventType = iota + 1
	EndElement
	Text
)

// Event is one step of the stream. For StartElement, Depth is the depth inside
// the opened element (the document root is 1); for EndElement it is the depth
// after the element is closed; for Text it is the depth of the enclosing element.
type Event struct {
	Type  EventType
	Name  string
	Text  string
	Depth int
}

// Reader is a forward-only event stream over an XML document
type Reader struct {
	dec   *xml.Decoder
	depth int
}

// NewReader creates a reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: xml.NewDecoder(r)}
}

// NewBytesReader creates a reader over an in-memory document
func NewBytesReader(body []byte) *Reader {
	return NewReader(bytes.NewReader(body))
}

// Depth returns the current nesting depth
func (r *Reader) Depth() int {
	return r.depth
}

// Next returns the next event. It returns io.EOF once the document is
// exhausted. Comments, processing instructions and directives are skipped.
func (r *Reader) Next() (Event, error) {
	for {
		tok, err := r.dec.Token()
		if errors.Is(err, io.EOF) {
			if r.depth > 0 {
				return Event{}, &codec.DecodingError{Reason: "malformed XML", Err: io.ErrUnexpectedEOF}
			}
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, &codec.DecodingError{Reason: "malformed XML", Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			r.depth++
			return Event{Type: StartElement, Name: t.Name.Local, Depth: r.depth}, nil
		case xml.EndElement:
			r.depth--
			return Event{Type: EndElement, Name: t.Name.Local, Depth: r.depth}, nil
		case xml.CharData:
			if r.depth == 0 {
				continue
			}
			return Event{Type: Text, Text: string(t), Depth: r.depth}, nil
		}
	}
}

// Skip consumes events until the element opened at depth is closed
func (r *Reader) Skip(depth int) error {
	for {
		ev, err := r.Next()
		if err != nil {
			return err
		}
		if ev.Type == EndElement && ev.Depth < depth {
			return nil
		}
	}
}

// ReadText consumes the element opened at depth and returns its character
// data. Text inside nested elements is ignored.
func (r *Reader) ReadText(depth int) (string, error) {
	var sb []byte
	for {
		ev, err := r.Next()
		if err != nil {
			return "", err
		}
		switch ev.Type {
		case Text:
			if ev.Depth == depth {
				sb = append(sb, ev.Text...)
			}
		case EndElement:
			if ev.Depth < depth {
				return string(sb), nil
			}
		}
	}
}
