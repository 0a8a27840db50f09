package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultToolTimeout = 30 * time.Second
	DefaultMaxParallel = 8
)

// LocalDispatcher runs in-process tools
type LocalDispatcher interface {
	Dispatch(ctx context.Context, call tools.ToolCall) (tools.Result, error)
	Mode(name string) (tools.ExecutionMode, bool)
}

// RemoteInvoker calls tools on remote servers
type RemoteInvoker interface {
	Invoke(ctx context.Context, serverID string, call tools.ToolCall) (tools.Result, error)
}

// ExecutionHooks provides callbacks for customizing tool execution
type ExecutionHooks struct {
	// BeforeExecute is called before each tool executes.
	// Returns a (possibly modified) context to pass to the tool.
	// If nil, context passes through unchanged.
	BeforeExecute func(ctx context.Context, call tools.ToolCall) context.Context

	// AfterExecute is called once per call with the final result
	AfterExecute func(call tools.ToolCall, result tools.Result)

	// OnToolNotFound is called when a tool isn't in the snapshot.
	// Returns the error message to use. If nil, uses default message.
	OnToolNotFound func(call tools.ToolCall) string

	// OnRetry is called before each retry with the failure and the wait
	OnRetry func(call tools.ToolCall, err error, wait time.Duration)
}

// RetryPolicy bounds retries of retryable failures. Waits grow
// exponentially from InitialInterval by Multiplier up to MaxInterval, each
// randomized by +/- Jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxElapsed      time.Duration // across all attempts, including waits
}

// DefaultRetryPolicy allows three attempts within a minute
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		MaxElapsed:      time.Minute,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// Executor routes tool calls to local handlers or remote servers, applying
// a timeout and retry policy to each call.
type Executor struct {
	local  LocalDispatcher
	remote RemoteInvoker

	Hooks       *ExecutionHooks
	Timeout     time.Duration // per attempt
	Retry       RetryPolicy
	MaxParallel int
	tracer      trace.Tracer
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.Timeout = d }
}

// WithRetryPolicy replaces the default retry policy
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.Retry = p }
}

// WithMaxParallel bounds concurrent calls in ExecuteAll
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) { e.MaxParallel = n }
}

// WithHooks sets execution hooks
func WithHooks(h *ExecutionHooks) ExecutorOption {
	return func(e *Executor) { e.Hooks = h }
}

// WithTracer records a span per call on t
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor. remote may be nil when no servers are
// configured.
func NewExecutor(local LocalDispatcher, remote RemoteInvoker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		local:       local,
		remote:      remote,
		Timeout:     DefaultToolTimeout,
		Retry:       DefaultRetryPolicy(),
		MaxParallel: DefaultMaxParallel,
		tracer:      otel.Tracer("github.com/alexschlessinger/toolbridge/llm"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one call against the snapshot that produced it. Failures
// are reported in the result, never as a panic or a missing result.
func (e *Executor) Execute(ctx context.Context, snap *tools.Snapshot, call tools.ToolCall) tools.Result {
	start := time.Now()
	res := e.execute(ctx, snap, call)
	res.CallID = call.ID
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	if e.Hooks != nil && e.Hooks.AfterExecute != nil {
		e.Hooks.AfterExecute(call, res)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, snap *tools.Snapshot, call tools.ToolCall) tools.Result {
	def, ok := snap.Get(call.Name)
	if !ok {
		err := tools.UnknownTools(call.Name)
		res := tools.Failed(call.ID, err)
		if e.Hooks != nil && e.Hooks.OnToolNotFound != nil {
			res.Error = e.Hooks.OnToolNotFound(call)
		}
		zap.S().Debugw("tool_not_found", "tool_name", call.Name, "call_id", call.ID)
		return res
	}

	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	if err := tools.ValidateArguments(def.Name, def.Parameters, call.Arguments); err != nil {
		zap.S().Debugw("tool_arguments_invalid", "tool_name", call.Name, "call_id", call.ID, "error", err)
		return tools.Failed(call.ID, err)
	}

	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("tool.origin", string(def.Origin)),
	))
	defer span.End()

	if e.Hooks != nil && e.Hooks.BeforeExecute != nil {
		ctx = e.Hooks.BeforeExecute(ctx, call)
	}

	res := e.dispatchWithRetry(ctx, def, call)

	span.SetAttributes(attribute.Int("tool.attempts", res.Attempts))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		span.SetAttributes(attribute.String("tool.error_kind", string(res.ErrorKind)))
	}
	zap.S().Debugw("tool_executed",
		"tool_name", call.Name,
		"call_id", call.ID,
		"origin", def.Origin,
		"success", res.Success,
		"pending", res.Pending,
		"error_kind", res.ErrorKind,
		"attempts", res.Attempts,
		"duration_ms", res.DurationMs())
	return res
}

// dispatchWithRetry retries retryable failures with exponential backoff.
// Queued local calls get exactly one attempt.
func (e *Executor) dispatchWithRetry(ctx context.Context, def tools.Definition, call tools.ToolCall) tools.Result {
	maxTries := e.Retry.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}
	if def.Mode == tools.ModeQueued {
		maxTries = 1
	}
	if e.local != nil && def.Origin.IsLocal() {
		if mode, ok := e.local.Mode(call.Name); ok && mode == tools.ModeQueued {
			maxTries = 1
		}
	}

	start := time.Now()
	attempts := 0
	op := func() (tools.Result, error) {
		attempts++
		res, err := e.attempt(ctx, def, call)
		if err == nil {
			return res, nil
		}
		if tools.IsRetryable(err) {
			return res, err
		}
		return res, backoff.Permanent(err)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(e.Retry.backOff()),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			zap.S().Debugw("tool_retry", "tool_name", call.Name, "call_id", call.ID, "attempt", attempts, "wait", wait, "error", err)
			if e.Hooks != nil && e.Hooks.OnRetry != nil {
				e.Hooks.OnRetry(call, err, wait)
			}
		}),
	}
	if e.Retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(e.Retry.MaxElapsed))
	}

	res, _ := backoff.Retry(ctx, op, opts...)
	res.CallID = call.ID
	res.Attempts = attempts
	res.Duration = time.Since(start)
	return res
}

// attempt makes one bounded dispatch. The returned error is classified;
// the result always describes the outcome.
func (e *Executor) attempt(ctx context.Context, def tools.Definition, call tools.ToolCall) (tools.Result, error) {
	actx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	type outcome struct {
		res tools.Result
		err error
	}
	// a handler that ignores its context is abandoned at the deadline
	done := make(chan outcome, 1)
	go func() {
		res, err := e.route(actx, def, call)
		done <- outcome{res, err}
	}()

	var res tools.Result
	var err error
	select {
	case o := <-done:
		res, err = o.res, o.err
	case <-actx.Done():
		err = actx.Err()
	}

	if err != nil && ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
		err = tools.ErrTimeout.Withf(call.Name, "tool execution timed out after %v", e.Timeout)
	}
	if err != nil && ctx.Err() != nil {
		err = tools.ErrTimeout.With(call.Name, context.Cause(ctx))
		return tools.Failed(call.ID, err), backoff.Permanent(err)
	}
	if err != nil {
		res = tools.Failed(call.ID, err)
	}
	return res, err
}

func (e *Executor) route(ctx context.Context, def tools.Definition, call tools.ToolCall) (tools.Result, error) {
	if def.Origin.IsLocal() {
		if e.local == nil {
			err := tools.UnknownTools(call.Name)
			return tools.Failed(call.ID, err), err
		}
		return e.local.Dispatch(ctx, call)
	}

	serverID, ok := def.Origin.ServerID()
	if !ok || e.remote == nil {
		err := tools.ErrRemoteUnavailable.Withf(call.Name, "no remote server for origin %q", def.Origin)
		err.Retryable = false
		return tools.Failed(call.ID, err), err
	}
	return e.remote.Invoke(ctx, serverID, call)
}

// ExecuteAll runs calls concurrently, at most MaxParallel at a time, and
// returns results in the order of calls. A failing call never stops its
// siblings. If any call was rejected for credentials the results are
// returned together with an AuthenticationFailed error.
func (e *Executor) ExecuteAll(ctx context.Context, snap *tools.Snapshot, calls []tools.ToolCall) ([]tools.Result, error) {
	results := make([]tools.Result, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	limit := e.MaxParallel
	if limit <= 0 || limit > len(calls) {
		limit = len(calls)
	}
	sem := semaphore.NewWeighted(int64(limit))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = tools.Failed(call.ID, tools.ErrTimeout.With(call.Name, err))
				return nil
			}
			defer sem.Release(1)
			results[i] = e.Execute(ctx, snap, call)
			return nil
		})
	}
	_ = g.Wait()

	var authErrs []error
	for i, res := range results {
		if res.ErrorKind == tools.ErrAuthenticationFailed {
			authErrs = append(authErrs, tools.ErrAuthenticationFailed.With(calls[i].Name, errors.New(res.Error)))
		}
	}
	if len(authErrs) > 0 {
		return results, fmt.Errorf("tool batch rejected: %w", errors.Join(authErrs...))
	}
	return results, nil
}
