package tools

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestListenAndDispatchSync(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	local := NewLocalRegistry(reg, nil)

	h := HandlerFunc(func(ctx context.Context, call ToolCall) (Result, error) {
		return Result{Output: "pong"}, nil
	})
	if err := local.Listen(ctx, "ping", h, Metadata{Description: "Ping"}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	def, ok := reg.Snapshot(ctx).Get("ping")
	if !ok {
		t.Fatal("Expected ping in registry")
	}
	if def.Origin != OriginLocal || def.Mode != ModeSync {
		t.Errorf("Unexpected definition %+v", def)
	}

	res, err := local.Dispatch(ctx, ToolCall{ID: "c1", Name: "ping"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Success || res.Output != "pong" || res.CallID != "c1" {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	ctx := context.Background()
	local := NewLocalRegistry(NewRegistry(), nil)

	failing := HandlerFunc(func(context.Context, ToolCall) (Result, error) {
		return Result{}, errors.New("disk full")
	})
	panicking := HandlerFunc(func(context.Context, ToolCall) (Result, error) {
		panic("boom")
	})
	if err := local.Listen(ctx, "fail", failing, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := local.Listen(ctx, "panic", panicking, Metadata{}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"fail", "panic"} {
		res, err := local.Dispatch(ctx, ToolCall{ID: name, Name: name})
		if !errors.Is(err, ErrHandlerError) {
			t.Errorf("%s: expected HandlerError, got %v", name, err)
		}
		if res.Success || res.ErrorKind != ErrHandlerError || res.CallID != name {
			t.Errorf("%s: unexpected result %+v", name, res)
		}
		if IsRetryable(err) {
			t.Errorf("%s: handler errors must not be retryable", name)
		}
	}
}

func TestDispatchUnknown(t *testing.T) {
	local := NewLocalRegistry(NewRegistry(), nil)
	_, err := local.Dispatch(context.Background(), ToolCall{Name: "nope"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Expected UnknownTool, got %v", err)
	}
}

func TestQueuedDispatchReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1, 4)
	local := NewLocalRegistry(NewRegistry(), q)

	release := make(chan struct{})
	slow := HandlerFunc(func(ctx context.Context, call ToolCall) (Result, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return Result{Output: "done"}, nil
	})
	if err := local.Listen(ctx, "slow", slow, Metadata{Queued: true}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if mode, _ := local.Mode("slow"); mode != ModeQueued {
		t.Fatalf("Expected queued mode, got %s", mode)
	}

	start := time.Now()
	res, err := local.Dispatch(ctx, ToolCall{ID: "q1", Name: "slow"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("Queued dispatch took %v", elapsed)
	}
	if !res.Pending || res.JobID == "" || res.CallID != "q1" {
		t.Errorf("Expected pending result with job id, got %+v", res)
	}

	close(release)
	select {
	case c := <-q.Completions():
		if c.JobID != res.JobID {
			t.Errorf("Completion job id %s, want %s", c.JobID, res.JobID)
		}
		if !c.Result.Success || c.Result.Output != "done" || c.Result.CallID != "q1" {
			t.Errorf("Unexpected completion %+v", c.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}

	if err := q.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, ok := <-q.Completions(); ok {
		t.Error("Expected completions to be closed")
	}
}

func TestQueueFullAndClosed(t *testing.T) {
	q := NewQueue(1, 1)
	block := make(chan struct{})
	h := HandlerFunc(func(context.Context, ToolCall) (Result, error) {
		<-block
		return Result{}, nil
	})

	var errs int
	for range 5 {
		if _, err := q.Submit(ToolCall{Name: "x"}, h); err != nil {
			if !errors.Is(err, ErrHandlerError) {
				t.Errorf("Expected HandlerError, got %v", err)
			}
			errs++
		}
	}
	if errs == 0 {
		t.Error("Expected some submissions to be rejected when full")
	}
	close(block)

	// drain so workers can exit
	go func() {
		for range q.Completions() {
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := q.Submit(ToolCall{Name: "x"}, h); err == nil {
		t.Error("Expected submit after close to fail")
	}
}

func TestQueueWithoutCompletionReader(t *testing.T) {
	q := NewQueue(1, 2)
	ran := make(chan struct{}, 1)
	h := HandlerFunc(func(context.Context, ToolCall) (Result, error) {
		ran <- struct{}{}
		return Result{Output: "ok"}, nil
	})

	// nobody reads Completions; workers must keep draining jobs
	for i := range 10 {
		if _, err := q.Submit(ToolCall{Name: "t"}, h); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("Job %d never ran", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the buffered outcomes are still there, the rest were dropped
	var got int
	for c := range q.Completions() {
		if c.Result.Output != "ok" {
			t.Errorf("Unexpected completion %+v", c.Result)
		}
		got++
	}
	if got != 2 {
		t.Errorf("Expected 2 buffered completions, got %d", got)
	}
}

type sumArgs struct {
	Values []int `json:"values"`
}

func TestTypedListen(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	local := NewLocalRegistry(reg, nil)

	err := Listen(ctx, local, "sum", "Sum values", func(_ context.Context, in sumArgs) (any, error) {
		total := 0
		for _, v := range in.Values {
			total += v
		}
		return map[string]int{"total": total}, nil
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	def, _ := reg.Snapshot(ctx).Get("sum")
	if def.Parameters.Properties["values"].Type != "array" {
		t.Errorf("Expected array schema, got %+v", def.Parameters.Properties["values"])
	}

	res, err := local.Dispatch(ctx, ToolCall{ID: "s", Name: "sum", Arguments: map[string]any{"values": []any{1.0, 2.0, 3.0}}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Output != `{"total":6}` {
		t.Errorf("Unexpected output %q", res.Output)
	}
	if res.Structured == nil {
		t.Error("Expected structured output")
	}
}

func TestListenQueuedWithoutQueue(t *testing.T) {
	local := NewLocalRegistry(NewRegistry(), nil)
	h := HandlerFunc(func(context.Context, ToolCall) (Result, error) { return Result{}, nil })
	if err := local.Listen(context.Background(), "bg", h, Metadata{Queued: true}); err == nil {
		t.Error("Expected error registering queued tool without a queue")
	}
}
