package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// WorkerPool bounds request concurrency. Deliveries queue in a buffered
// channel and drain onto a fixed set of workers; a full queue sheds load
// immediately instead of building unbounded backlog.
type WorkerPool struct {
	workerCount int
	queue       chan rpcTask
	process     func(ctx context.Context, task rpcTask)
	logger      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type rpcTask struct {
	ctx      context.Context
	req      *protocol.Request
	sink     protocol.ReplySink
	enqueued time.Time
}

// NewWorkerPool builds a stopped pool.
func NewWorkerPool(workers, queueSize int, process func(ctx context.Context, task rpcTask), logger zerolog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workerCount: workers,
		queue:       make(chan rpcTask, queueSize),
		process:     process,
		logger:      logger.With().Str("component", "worker-pool").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.started = true
	wp.logger.Info().Int("workers", wp.workerCount).Int("queueSize", cap(wp.queue)).Msg("worker pool started")
	return nil
}

// Stop drains in-flight work, waiting up to the timeout.
func (wp *WorkerPool) Stop(timeout time.Duration) error {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return nil
	}
	wp.mu.Unlock()

	wp.cancel()
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		wp.logger.Info().Msg("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timeout after %v", timeout)
	}
}

// Submit enqueues a task; a full queue fails fast so the caller can answer
// with a shed-load error.
func (wp *WorkerPool) Submit(task rpcTask) error {
	select {
	case wp.queue <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("%w: worker pool shutting down", protocol.ErrUnavailable)
	default:
		return fmt.Errorf("%w: request queue full", protocol.ErrResourceExhausted)
	}
}

// QueueDepth reports the queued task count.
func (wp *WorkerPool) QueueDepth() int { return len(wp.queue) }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-wp.queue:
			wp.runTask(id, task)
		}
	}
}

func (wp *WorkerPool) runTask(workerID int, task rpcTask) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().Int("worker", workerID).Interface("panic", r).Str("verb", string(task.req.Verb)).Msg("handler panic recovered")
			_ = task.sink.Send(protocol.ToResponse(fmt.Errorf("internal server error: %v", r)))
		}
	}()
	queueTime := time.Since(task.enqueued)
	if queueTime > time.Second {
		wp.logger.Warn().Dur("queueTime", queueTime).Str("verb", string(task.req.Verb)).Msg("request queued unusually long")
	}
	wp.process(task.ctx, task)
}
