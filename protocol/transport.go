package protocol

import (
	"context"
	"errors"
	"fmt"
)

// QueuePrefix namespaces OJP request queues on a shared broker.
const QueuePrefix = "ojp."

// QueueName derives the request queue for a server endpoint ("host:port").
func QueueName(endpoint string) string {
	return QueuePrefix + endpoint
}

// ReplySink receives the response parts for one request. Multi-part
// responses call Send repeatedly; the part with Last set terminates the
// exchange and no further Send is permitted.
type ReplySink interface {
	Send(resp *Response) error
}

// Handler processes one request and writes its response parts to the sink.
// Handlers must always terminate the exchange, including on failure paths.
type Handler func(ctx context.Context, req *Request, sink ReplySink)

// Listener binds a handler to an endpoint's request queue and serves until
// the context is cancelled.
type Listener interface {
	Serve(ctx context.Context, endpoint string, handler Handler) error
}

// Stream is the receive side of a multi-part response.
type Stream struct {
	ch  <-chan *Response
	err *error
}

// ErrStreamClosed is returned by Recv after the terminal part was consumed.
var ErrStreamClosed = errors.New("response stream closed")

// Recv returns the next response part. After the part with Last set has been
// returned, subsequent calls return ErrStreamClosed. Context cancellation is
// surfaced as an error.
func (s *Stream) Recv(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case resp, ok := <-s.ch:
		if !ok {
			if s.err != nil && *s.err != nil {
				return nil, *s.err
			}
			return nil, ErrStreamClosed
		}
		return resp, nil
	}
}

// Caller issues requests to server endpoints. Implementations must be safe
// for concurrent use; each call is an independent exchange.
type Caller interface {
	// Call performs a unary exchange and returns the terminal response.
	Call(ctx context.Context, endpoint string, req *Request) (*Response, error)
	// CallStream performs an exchange whose response arrives in parts.
	CallStream(ctx context.Context, endpoint string, req *Request) (*Stream, error)
	// Close releases transport resources.
	Close() error
}

// NewRequest builds a request envelope around a verb payload.
func NewRequest(verb Verb, payload interface{}) (*Request, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", verb, err)
	}
	return &Request{Version: ProtocolVersion, Verb: verb, Payload: raw}, nil
}

// OKResponse builds a terminal success envelope around a payload.
func OKResponse(payload interface{}) (*Response, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Response{Status: StatusOK, Payload: raw, Last: true}, nil
}
