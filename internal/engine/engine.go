// Package engine ties the shape registry to the wire formats and serves
// encode, decode and error resolution calls against an immutable snapshot.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"shapecodec/internal/codec"
	"shapecodec/internal/codec/apierror"
	"shapecodec/internal/codec/formats/avro"
	jsonformat "shapecodec/internal/codec/formats/json"
	"shapecodec/internal/codec/formats/protobuf"
	"shapecodec/internal/metrics"
	"shapecodec/internal/shape"
	"shapecodec/internal/shape/types"

	"github.com/aws/smithy-go"
)

// ErrUnknownProtocol is returned for protocols the engine does not serve
var ErrUnknownProtocol = errors.New("unknown protocol")

// ErrNotFrozen is returned when swapping in a registry that is still open
var ErrNotFrozen = errors.New("registry is not frozen")

// Format encodes and decodes records of one protocol
type Format interface {
	Protocol() types.Protocol
	Encode(rec codec.Record, shapeName string) ([]byte, error)
	Decode(data []byte, shapeName string) (codec.Record, error)
}

// DecodeOptions tunes a decode call
type DecodeOptions struct {
	// ResultWrapper names the element below the XML root holding the fields
	ResultWrapper string
}

type snapshot struct {
	registry *shape.Registry
	formats  map[types.Protocol]Format
	query    *QueryFormat
}

// Engine serves codec calls. The registry and formats in use are replaced as
// a whole by Swap, so a call always sees one consistent snapshot.
type Engine struct {
	current atomic.Pointer[snapshot]
}

// New creates an engine over a frozen registry
func New(r *shape.Registry) (*Engine, error) {
	e := &Engine{}
	if err := e.Swap(r); err != nil {
		return nil, err
	}
	return e, nil
}

// Swap replaces the active registry. On error the previous one stays active.
func (e *Engine) Swap(r *shape.Registry) error {
	if !r.Frozen() {
		return ErrNotFrozen
	}

	pb, err := protobuf.New(r)
	if err != nil {
		return fmt.Errorf("build protobuf descriptors: %w", err)
	}
	query := NewQueryFormat(r)
	snap := &snapshot{
		registry: r,
		query:    query,
		formats: map[types.Protocol]Format{
			types.JSON:     jsonformat.New(r),
			types.Query:    query,
			types.Avro:     avro.New(r),
			types.Protobuf: pb,
		},
	}
	e.current.Store(snap)

	metrics.ObserveSwap(len(r.Names()))
	slog.Debug("Engine registry swapped", "shapes", len(r.Names()), "enums", len(r.EnumNames()))
	return nil
}

// Registry returns the active registry
func (e *Engine) Registry() *shape.Registry {
	return e.current.Load().registry
}

// Protocols returns the served protocols in sorted order
func (e *Engine) Protocols() []types.Protocol {
	snap := e.current.Load()
	out := make([]types.Protocol, 0, len(snap.formats))
	for p := range snap.formats {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Format returns the active format of a protocol
func (e *Engine) Format(protocol types.Protocol) (Format, error) {
	f, ok := e.current.Load().formats[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return f, nil
}

// protocolLabel keeps caller supplied protocol names out of metric labels
func (e *Engine) protocolLabel(protocol types.Protocol) string {
	if _, ok := e.current.Load().formats[protocol]; !ok {
		return "unknown"
	}
	return string(protocol)
}

// Encode encodes rec as the named shape in the given protocol
func (e *Engine) Encode(protocol types.Protocol, shapeName string, rec codec.Record) (data []byte, err error) {
	start := time.Now()
	defer func() { metrics.ObserveCall("encode", e.protocolLabel(protocol), start, len(data), err) }()

	f, err := e.Format(protocol)
	if err != nil {
		return nil, err
	}
	return f.Encode(rec, shapeName)
}

// Decode decodes data as the named shape in the given protocol. A query
// protocol payload starting with '<' is read as an XML response; anything else
// as a form body.
func (e *Engine) Decode(protocol types.Protocol, shapeName string, data []byte, opts DecodeOptions) (rec codec.Record, err error) {
	start := time.Now()
	defer func() { metrics.ObserveCall("decode", e.protocolLabel(protocol), start, len(data), err) }()

	f, err := e.Format(protocol)
	if err != nil {
		return nil, err
	}
	if q, ok := f.(*QueryFormat); ok {
		return q.DecodeResult(data, shapeName, opts.ResultWrapper)
	}
	return f.Decode(data, shapeName)
}

// ResolveError maps an error response of an operation to a service error.
// JSON bodies are resolved for the json protocol, XML bodies for query. The
// result is a smithy.APIError unless the response itself could not be read.
func (e *Engine) ResolveError(protocol types.Protocol, operation, headerCode string, body []byte) error {
	start := time.Now()
	err := e.resolveError(protocol, operation, headerCode, body)

	var (
		apiErr  smithy.APIError
		failure error
	)
	if !errors.As(err, &apiErr) {
		failure = err
	}
	metrics.ObserveCall("resolve_error", e.protocolLabel(protocol), start, len(body), failure)
	return err
}

func (e *Engine) resolveError(protocol types.Protocol, operation, headerCode string, body []byte) error {
	r := e.Registry()
	candidates := r.Errors(operation)
	switch protocol {
	case types.JSON:
		return apierror.ResolveJSON(body, headerCode, candidates, r)
	case types.Query:
		return apierror.ResolveXML(bytes.TrimSpace(body), candidates, r)
	}
	return fmt.Errorf("%w: no error resolution for %s", ErrUnknownProtocol, protocol)
}
