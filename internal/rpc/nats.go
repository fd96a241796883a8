// Package rpc serves the codec engine over NATS request/reply.
//
// Three subjects are served under a prefix: <prefix>.encode turns a JSON
// record into a wire payload, <prefix>.decode turns a wire payload into a JSON
// record, and <prefix>.error resolves an error response of an operation.
// Requests and replies are JSON envelopes; binary payloads travel base64
// encoded as usual for []byte fields.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shapecodec/internal/codec/apierror"
	"shapecodec/internal/engine"
	"shapecodec/internal/metrics"
	"shapecodec/internal/shape/types"

	"github.com/aws/smithy-go"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "shapecodec"

// Request is the envelope of every call
type Request struct {
	Protocol types.Protocol `json:"protocol"`
	// Shape names the shape to encode or decode
	Shape string `json:"shape,omitempty"`
	// Operation names the operation whose error catalog resolves an error
	Operation string `json:"operation,omitempty"`
	// Record is the JSON record to encode
	Record json.RawMessage `json:"record,omitempty"`
	// Payload is the wire payload to decode or the error response body
	Payload []byte `json:"payload,omitempty"`
	// ResultWrapper names the XML result element of a query response
	ResultWrapper string `json:"resultWrapper,omitempty"`
	// ErrorCode is the error code header of an awsJson error response
	ErrorCode string `json:"errorCode,omitempty"`
}

// ServiceError is a resolved error response
type ServiceError struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Fault     string          `json:"fault"`
	Matched   bool            `json:"matched"`
	Shape     string          `json:"shape,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Response is the envelope of every reply. Exactly one of Payload, Record,
// ServiceError or Error is meaningful.
type Response struct {
	Payload      []byte          `json:"payload,omitempty"`
	Record       json.RawMessage `json:"record,omitempty"`
	ServiceError *ServiceError   `json:"serviceError,omitempty"`
	Error        string          `json:"error,omitempty"`
	// ErrorClass is the metrics class of Error
	ErrorClass string `json:"errorClass,omitempty"`
}

// Service answers codec requests on NATS
type Service struct {
	nc     *nats.Conn
	engine *engine.Engine
	prefix string
	subs   []*nats.Subscription
}

// NewService creates a service; an empty prefix means DefaultPrefix
func NewService(nc *nats.Conn, eng *engine.Engine, prefix string) *Service {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Service{nc: nc, engine: eng, prefix: prefix}
}

// Start subscribes to the service subjects in the given queue group so that
// several instances share the load
func (s *Service) Start(queue string) error {
	handlers := map[string]func(*Request) *Response{
		"encode": s.encode,
		"decode": s.decode,
		"error":  s.resolveError,
	}
	for name, handle := range handlers {
		subject := s.prefix + "." + name
		sub, err := s.nc.QueueSubscribe(subject, queue, s.handler(subject, handle))
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.nc.Flush(); err != nil {
		s.Stop()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	slog.Info("RPC service started", "prefix", s.prefix, "queue", queue)
	return nil
}

// Stop drains every subscription
func (s *Service) Stop() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			slog.Debug("Failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Service) handler(subject string, handle func(*Request) *Response) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var resp *Response
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp = failure(fmt.Errorf("unmarshal request: %w", err))
		} else {
			resp = handle(&req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("Failed to marshal response", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Debug("Failed to respond", "subject", subject, "error", err)
		}
	}
}

func failure(err error) *Response {
	return &Response{Error: err.Error(), ErrorClass: metrics.ErrorClass(err)}
}

func (s *Service) encode(req *Request) *Response {
	rec, err := s.engine.Decode(types.JSON, req.Shape, req.Record, engine.DecodeOptions{})
	if err != nil {
		return failure(err)
	}
	if rec == nil {
		return failure(fmt.Errorf("record must be a JSON object"))
	}
	data, err := s.engine.Encode(req.Protocol, req.Shape, rec)
	if err != nil {
		return failure(err)
	}
	return &Response{Payload: data}
}

func (s *Service) decode(req *Request) *Response {
	rec, err := s.engine.Decode(req.Protocol, req.Shape, req.Payload, engine.DecodeOptions{ResultWrapper: req.ResultWrapper})
	if err != nil {
		return failure(err)
	}
	if rec == nil {
		return &Response{Record: json.RawMessage("null")}
	}
	out, err := s.engine.Encode(types.JSON, req.Shape, rec)
	if err != nil {
		return failure(err)
	}
	return &Response{Record: out}
}

func (s *Service) resolveError(req *Request) *Response {
	resolved := s.engine.ResolveError(req.Protocol, req.Operation, req.ErrorCode, req.Payload)
	var apiErr smithy.APIError
	if !errors.As(resolved, &apiErr) {
		return failure(resolved)
	}

	se := &ServiceError{
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Fault:   apiErr.ErrorFault().String(),
	}
	var matched *apierror.ServiceError
	if errors.As(resolved, &matched) {
		se.Matched = true
		se.Shape = matched.Shape
		se.RequestID = matched.RequestID
		if matched.Shape != "" && matched.Fields != nil {
			fields, err := s.engine.Encode(types.JSON, matched.Shape, matched.Fields)
			if err != nil {
				return failure(err)
			}
			se.Fields = fields
		}
	}
	return &Response{ServiceError: se}
}

// Client calls a Service
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewClient creates a client; an empty prefix means DefaultPrefix
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{nc: nc, prefix: prefix, timeout: timeout}
}

// RemoteError is a failure reported by the service
type RemoteError struct {
	Message string
	Class   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Class, e.Message)
}

// Encode encodes a JSON record as shapeName in protocol
func (c *Client) Encode(protocol types.Protocol, shapeName string, record []byte) ([]byte, error) {
	resp, err := c.call("encode", &Request{Protocol: protocol, Shape: shapeName, Record: record})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Decode decodes a wire payload of shapeName into a JSON record
func (c *Client) Decode(protocol types.Protocol, shapeName string, payload []byte, resultWrapper string) ([]byte, error) {
	resp, err := c.call("decode", &Request{Protocol: protocol, Shape: shapeName, Payload: payload, ResultWrapper: resultWrapper})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// ResolveError resolves an error response of operation
func (c *Client) ResolveError(protocol types.Protocol, operation, errorCode string, body []byte) (*ServiceError, error) {
	resp, err := c.call("error", &Request{Protocol: protocol, Operation: operation, ErrorCode: errorCode, Payload: body})
	if err != nil {
		return nil, err
	}
	return resp.ServiceError, nil
}

func (c *Client) call(name string, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	msg, err := c.nc.Request(c.prefix+"."+name, data, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", name, err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Message: resp.Error, Class: resp.ErrorClass}
	}
	return &resp, nil
}
