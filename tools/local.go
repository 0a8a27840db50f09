package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
	"go.uber.org/zap"
)

// Metadata describes a local tool at registration
type Metadata struct {
	Description string
	Parameters  *jsonschema.Schema
	Queued      bool
}

type localTool struct {
	handler Handler
	mode    ExecutionMode
}

// LocalRegistry maps tool names to in-process handlers
type LocalRegistry struct {
	registry *Registry
	queue    *Queue

	mu       sync.RWMutex
	handlers map[string]localTool
}

// NewLocalRegistry creates a local registry publishing into registry.
// queue may be nil when no tool is registered as queued.
func NewLocalRegistry(registry *Registry, queue *Queue) *LocalRegistry {
	return &LocalRegistry{
		registry: registry,
		queue:    queue,
		handlers: make(map[string]localTool),
	}
}

// Listen registers a handler under name and publishes its definition
func (l *LocalRegistry) Listen(ctx context.Context, name string, h Handler, meta Metadata) error {
	if h == nil {
		return fmt.Errorf("failed to register %s: nil handler", name)
	}
	mode := ModeSync
	if meta.Queued {
		if l.queue == nil {
			return fmt.Errorf("failed to register %s: queued tools need a queue", name)
		}
		mode = ModeQueued
	}

	def := Definition{
		Name:        name,
		Description: meta.Description,
		Parameters:  meta.Parameters,
		Origin:      OriginLocal,
		Mode:        mode,
	}
	if err := l.registry.Register(ctx, def); err != nil {
		return err
	}

	l.mu.Lock()
	l.handlers[name] = localTool{handler: h, mode: mode}
	l.mu.Unlock()
	return nil
}

// Remove unregisters a local tool
func (l *LocalRegistry) Remove(name string) {
	l.mu.Lock()
	delete(l.handlers, name)
	l.mu.Unlock()
	l.registry.Unregister(name)
}

// Mode returns the execution mode of a local tool
func (l *LocalRegistry) Mode(name string) (ExecutionMode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.handlers[name]
	return t.mode, ok
}

// Close drains the background queue, if any
func (l *LocalRegistry) Close(ctx context.Context) error {
	if l.queue == nil {
		return nil
	}
	return l.queue.Close(ctx)
}

// Dispatch runs a call. Sync handlers run in the caller's goroutine;
// queued handlers are handed to the queue and an accepted, pending result
// is returned at once.
func (l *LocalRegistry) Dispatch(ctx context.Context, call ToolCall) (Result, error) {
	l.mu.RLock()
	t, ok := l.handlers[call.Name]
	l.mu.RUnlock()
	if !ok {
		err := UnknownTools(call.Name)
		return Failed(call.ID, err), err
	}

	if t.mode == ModeQueued {
		jobID, err := l.queue.Submit(call, t.handler)
		if err != nil {
			return Failed(call.ID, err), err
		}
		return Result{
			CallID:  call.ID,
			Success: true,
			Pending: true,
			JobID:   jobID,
			Output:  "accepted",
		}, nil
	}

	start := time.Now()
	res, err := safeHandle(ctx, t.handler, call)
	res = finish(call, res, err, time.Since(start))
	if err != nil {
		return res, classify(call.Name, err)
	}
	return res, nil
}

// safeHandle invokes a handler, turning panics into errors
func safeHandle(ctx context.Context, h Handler, call ToolCall) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorw("tool_handler_panic", "tool_name", call.Name, "panic", r)
			err = ErrHandlerError.Withf(call.Name, "handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, call)
}

func finish(call ToolCall, res Result, err error, elapsed time.Duration) Result {
	if err != nil {
		res = Failed(call.ID, classify(call.Name, err))
	} else if res.ErrorKind == "" {
		res.Success = true
	}
	res.CallID = call.ID
	res.Duration = elapsed
	return res
}

// classify wraps a plain handler error as HandlerError, keeping kinds
// already attached and mapping context deadlines to Timeout.
func classify(name string, err error) error {
	switch KindOf(err) {
	case ErrHandlerError:
		if _, ok := err.(*ToolError); ok {
			return err
		}
		return ErrHandlerError.With(name, err)
	case ErrTimeout:
		if _, ok := err.(*ToolError); ok {
			return err
		}
		return ErrTimeout.With(name, err)
	default:
		return err
	}
}

// TextResult renders a handler's return value as a result. Strings are
// used as-is and everything else is encoded as JSON.
func TextResult(v any) (Result, error) {
	switch out := v.(type) {
	case nil:
		return Result{Success: true}, nil
	case string:
		return Result{Success: true, Output: out}, nil
	case fmt.Stringer:
		return Result{Success: true, Output: out.String()}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return Result{Success: true, Output: string(data), Structured: v}, nil
}

// ListenOption adjusts the metadata of a typed tool
type ListenOption func(*Metadata)

// Queued runs the tool on the background queue
func Queued() ListenOption {
	return func(m *Metadata) { m.Queued = true }
}

// WithSchema overrides the inferred parameter schema
func WithSchema(s *jsonschema.Schema) ListenOption {
	return func(m *Metadata) { m.Parameters = s }
}

// Listen registers a typed handler. Arguments are decoded into In and the
// parameter schema is inferred from In's fields.
func Listen[In any](ctx context.Context, l *LocalRegistry, name, description string, fn func(context.Context, In) (any, error), opts ...ListenOption) error {
	schema, err := SchemaFor[In]()
	if err != nil {
		return fmt.Errorf("failed to infer schema for %s: %w", name, err)
	}
	meta := Metadata{Description: description, Parameters: schema}
	for _, opt := range opts {
		opt(&meta)
	}

	h := HandlerFunc(func(ctx context.Context, call ToolCall) (Result, error) {
		var in In
		if err := decodeArguments(call.Arguments, &in); err != nil {
			return Result{}, ErrSchemaValidationFailed.With(call.Name, err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return Result{}, err
		}
		return TextResult(out)
	})
	return l.Listen(ctx, name, h, meta)
}

// SchemaFor reflects a parameter schema from a Go type
func SchemaFor[T any]() (*jsonschema.Schema, error) {
	r := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	reflected := r.Reflect(zero)
	reflected.Version = ""

	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeArguments(args map[string]any, v any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
