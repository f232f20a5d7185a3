package protocol

import (
	"context"
	"fmt"
	"sync"
)

// InprocBus is an in-process transport connecting callers and listeners in
// the same address space. It exists for tests and embedded deployments; the
// exchange semantics (correlation, multi-part responses, endpoint routing)
// match the broker-backed transport exactly.
type InprocBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
}

// NewInprocBus creates an empty bus.
func NewInprocBus() *InprocBus {
	return &InprocBus{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
	}
}

// Serve implements Listener. It registers the handler and blocks until the
// context is cancelled.
func (b *InprocBus) Serve(ctx context.Context, endpoint string, handler Handler) error {
	b.mu.Lock()
	b.handlers[endpoint] = handler
	b.mu.Unlock()
	<-ctx.Done()
	b.mu.Lock()
	delete(b.handlers, endpoint)
	b.mu.Unlock()
	return nil
}

// Register binds a handler without blocking; tests use it in place of Serve.
func (b *InprocBus) Register(endpoint string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[endpoint] = handler
}

// SetDown simulates a network partition toward an endpoint.
func (b *InprocBus) SetDown(endpoint string, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[endpoint] = down
}

// Caller returns a Caller view of the bus.
func (b *InprocBus) Caller() Caller { return &inprocCaller{bus: b} }

type inprocCaller struct{ bus *InprocBus }

func (c *inprocCaller) lookup(endpoint string) (Handler, error) {
	c.bus.mu.RLock()
	defer c.bus.mu.RUnlock()
	if c.bus.down[endpoint] {
		return nil, fmt.Errorf("%w: %s is down", ErrUnavailable, endpoint)
	}
	h, ok := c.bus.handlers[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: no listener at %s", ErrUnavailable, endpoint)
	}
	return h, nil
}

func (c *inprocCaller) Call(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	stream, err := c.CallStream(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	var last *Response
	for {
		resp, err := stream.Recv(ctx)
		if err == ErrStreamClosed {
			break
		}
		if err != nil {
			return nil, err
		}
		last = resp
		if resp.Last {
			break
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: empty exchange", ErrUnavailable)
	}
	return last, nil
}

func (c *inprocCaller) CallStream(ctx context.Context, endpoint string, req *Request) (*Stream, error) {
	handler, err := c.lookup(endpoint)
	if err != nil {
		return nil, err
	}
	out := make(chan *Response, 16)
	sink := &inprocSink{ch: out}
	go func() {
		defer close(out)
		handler(ctx, req, sink)
	}()
	return &Stream{ch: out}, nil
}

func (c *inprocCaller) Close() error { return nil }

type inprocSink struct {
	ch   chan *Response
	mu   sync.Mutex
	done bool
}

func (s *inprocSink) Send(resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("exchange already terminated")
	}
	if resp.Last {
		s.done = true
	}
	s.ch <- resp
	return nil
}
