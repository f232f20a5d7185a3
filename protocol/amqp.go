package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPCaller issues RPC exchanges over a RabbitMQ connection. Each exchange
// opens its own channel with an exclusive auto-delete reply queue and matches
// responses by correlation id, so concurrent calls never interleave.
type AMQPCaller struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewAMQPCaller dials the broker eagerly so configuration errors surface at
// construction time.
func NewAMQPCaller(url string, logger zerolog.Logger) (*AMQPCaller, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial broker: %v", ErrUnavailable, err)
	}
	return &AMQPCaller{url: url, conn: conn, logger: logger.With().Str("component", "amqp-caller").Logger()}, nil
}

func (c *AMQPCaller) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("%w: redial broker: %v", ErrUnavailable, err)
		}
		c.conn = conn
	}
	return c.conn, nil
}

// Call implements Caller.
func (c *AMQPCaller) Call(ctx context.Context, endpoint string, req *Request) (*Response, error) {
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

// CallStream implements Caller. The returned stream yields every response
// part for the correlation id until the terminal part arrives.
func (c *AMQPCaller) CallStream(ctx context.Context, endpoint string, req *Request) (*Stream, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: declare reply queue: %v", ErrUnavailable, err)
	}

	corrID := uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: consume reply queue: %v", ErrUnavailable, err)
	}

	err = ch.PublishWithContext(ctx, "", QueueName(endpoint), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, endpoint, err)
	}

	out := make(chan *Response, 8)
	var streamErr error
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				streamErr = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
				return
			case msg, ok := <-msgs:
				if !ok {
					streamErr = fmt.Errorf("%w: reply channel closed", ErrUnavailable)
					return
				}
				if msg.CorrelationId != corrID {
					c.logger.Warn().Str("endpoint", endpoint).Msg("discarding reply with mismatched correlation id")
					continue
				}
				var resp Response
				if err := json.Unmarshal(msg.Body, &resp); err != nil {
					streamErr = fmt.Errorf("decode response: %w", err)
					return
				}
				select {
				case out <- &resp:
				case <-ctx.Done():
					streamErr = fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
					return
				}
				if resp.Last {
					return
				}
			}
		}
	}()
	return &Stream{ch: out, err: &streamErr}, nil
}

// Close implements Caller.
func (c *AMQPCaller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// AMQPListener serves an endpoint's request queue from a RabbitMQ connection.
type AMQPListener struct {
	url    string
	logger zerolog.Logger
}

// NewAMQPListener builds a listener; the broker is dialed in Serve, not
// here. A failed dial ends Serve with the error and is not retried.
func NewAMQPListener(url string, logger zerolog.Logger) *AMQPListener {
	return &AMQPListener{url: url, logger: logger.With().Str("component", "amqp-listener").Logger()}
}

// Serve implements Listener. Each delivery is handled on the caller's
// goroutine; concurrency is the server's concern (it wraps the handler in a
// worker pool).
func (l *AMQPListener) Serve(ctx context.Context, endpoint string, handler Handler) error {
	conn, err := amqp.Dial(l.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	queue := QueueName(endpoint)
	if _, err := ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}

	l.logger.Info().Str("queue", queue).Msg("listening")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Str("queue", queue).Msg("listener shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			var req Request
			sink := &amqpReplySink{ch: ch, replyTo: msg.ReplyTo, corrID: msg.CorrelationId}
			if err := json.Unmarshal(msg.Body, &req); err != nil {
				_ = sink.Send(ToResponse(fmt.Errorf("decode request: %w", err)))
				continue
			}
			handler(ctx, &req, sink)
		}
	}
}

type amqpReplySink struct {
	ch      *amqp.Channel
	replyTo string
	corrID  string

	mu   sync.Mutex
	done bool
}

func (s *amqpReplySink) Send(resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("exchange already terminated")
	}
	if resp.Last {
		s.done = true
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return s.ch.PublishWithContext(context.Background(), "", s.replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: s.corrID,
		Body:          body,
	})
}
