package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Built-in local tools, registered with RegisterBuiltins

type AddArgs struct {
	A int `json:"a" jsonschema:"description=First addend"`
	B int `json:"b" jsonschema:"description=Second addend"`
}

type TextArgs struct {
	Text string `json:"text" jsonschema:"description=The text to operate on"`
}

type SleepArgs struct {
	Seconds float64 `json:"seconds" jsonschema:"description=How long to sleep,minimum=0"`
}

func add(_ context.Context, args AddArgs) (any, error) {
	return args.A + args.B, nil
}

func uppercase(_ context.Context, args TextArgs) (any, error) {
	return strings.ToUpper(args.Text), nil
}

func wordcount(_ context.Context, args TextArgs) (any, error) {
	return fmt.Sprintf("Word count: %d", len(strings.Fields(args.Text))), nil
}

func sleep(ctx context.Context, args SleepArgs) (any, error) {
	d := time.Duration(args.Seconds * float64(time.Second))
	select {
	case <-time.After(d):
		return fmt.Sprintf("slept %v", d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterBuiltins installs the built-in tools. sleep runs on the queue and
// is skipped when the registry has none.
func RegisterBuiltins(ctx context.Context, l *LocalRegistry) error {
	if err := Listen(ctx, l, "add", "Add two integers", add); err != nil {
		return err
	}
	if err := Listen(ctx, l, "uppercase", "Convert text to uppercase", uppercase); err != nil {
		return err
	}
	if err := Listen(ctx, l, "wordcount", "Count words in text", wordcount); err != nil {
		return err
	}
	if l.queue != nil {
		if err := Listen(ctx, l, "sleep", "Sleep in the background for a number of seconds", sleep, Queued()); err != nil {
			return err
		}
	}
	return nil
}
