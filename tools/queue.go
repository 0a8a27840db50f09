package tools

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Completion reports the outcome of a queued job
type Completion struct {
	JobID  string
	Call   ToolCall
	Result Result
}

type job struct {
	id      string
	call    ToolCall
	handler Handler
}

// Queue runs queued tool handlers on a fixed pool of workers. Outcomes are
// delivered on Completions; Submit never waits for a handler. Reading
// Completions is optional: once its buffer is full further outcomes are
// dropped and logged rather than stalling the workers.
type Queue struct {
	mu     sync.RWMutex
	closed bool

	jobs        chan job
	completions chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewQueue starts workers goroutines accepting up to capacity pending jobs
func NewQueue(workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	q := &Queue{
		jobs:        make(chan job, capacity),
		completions: make(chan Completion, capacity),
		ctx:         gctx,
		cancel:      cancel,
		group:       g,
	}
	for range workers {
		g.Go(q.work)
	}
	return q
}

// Submit enqueues a call and returns its job id
func (q *Queue) Submit(call ToolCall, h Handler) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrHandlerError.Withf(call.Name, "queue is closed")
	}

	j := job{id: uuid.NewString(), call: call, handler: h}
	select {
	case q.jobs <- j:
		zap.S().Debugw("tool_job_queued", "tool_name", call.Name, "job_id", j.id, "call_id", call.ID)
		return j.id, nil
	default:
		return "", ErrHandlerError.Withf(call.Name, "queue full")
	}
}

// Completions is the reconciliation channel for queued jobs. It is closed
// once the queue has shut down and every worker has exited.
func (q *Queue) Completions() <-chan Completion {
	return q.completions
}

// Close stops accepting jobs and waits for queued ones to finish. If ctx
// expires first, running handlers are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- q.group.Wait()
		close(q.completions)
	}()

	select {
	case err := <-done:
		q.cancel()
		return err
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work() error {
	for j := range q.jobs {
		start := time.Now()
		res, err := safeHandle(q.ctx, j.handler, j.call)
		res = finish(j.call, res, err, time.Since(start))
		res.JobID = j.id

		zap.S().Debugw("tool_job_completed",
			"tool_name", j.call.Name,
			"job_id", j.id,
			"success", res.Success,
			"duration", res.Duration)

		select {
		case q.completions <- Completion{JobID: j.id, Call: j.call, Result: res}:
		default:
			zap.S().Warnw("tool_job_completion_dropped", "tool_name", j.call.Name, "job_id", j.id, "success", res.Success)
		}
	}
	return nil
}
