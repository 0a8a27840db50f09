package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexschlessinger/toolbridge/messages"
	"github.com/alexschlessinger/toolbridge/tools"
	"go.uber.org/zap"
)

// Bridge ties resolution, provider formatting and execution together for
// one conversation turn.
type Bridge struct {
	resolver *tools.Resolver
	executor *Executor
}

// NewBridge creates a bridge over a resolver and executor
func NewBridge(resolver *tools.Resolver, executor *Executor) *Bridge {
	return &Bridge{resolver: resolver, executor: executor}
}

// Tools resolves the requested tool names; ["all"] selects every available tool
func (b *Bridge) Tools(ctx context.Context, names []string) (tools.Resolution, error) {
	return b.resolver.Resolve(ctx, names)
}

// Format renders a resolution for a provider
func (b *Bridge) Format(provider string, res tools.Resolution) (json.RawMessage, error) {
	return FormatForProvider(provider, res.Definitions)
}

// Request is the tool part of a provider request
type Request struct {
	Provider   string
	Model      string
	Resolution tools.Resolution
	Tools      json.RawMessage
}

// Prepare resolves names and formats them for a "provider/model" string.
// Resolution errors are returned before anything is sent to the provider.
func (b *Bridge) Prepare(ctx context.Context, model string, names []string) (*Request, error) {
	provider, name, err := ParseModel(model)
	if err != nil {
		return nil, err
	}
	adapter, err := Lookup(provider)
	if err != nil {
		return nil, err
	}
	res, err := b.Tools(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(res.Definitions) > 0 && !adapter.SupportsToolCalling(name) {
		return nil, fmt.Errorf("model %s does not support tool calling", model)
	}
	wire, err := FormatForProvider(provider, res.Definitions)
	if err != nil {
		return nil, err
	}
	return &Request{Provider: provider, Model: name, Resolution: res, Tools: wire}, nil
}

// Turn is the outcome of handling one provider response
type Turn struct {
	Calls   []tools.ToolCall
	Results []tools.Result // same order as Calls
}

// Messages returns the assistant tool-call message followed by one tool
// message per result, ready to append to the conversation.
func (t *Turn) Messages() []messages.ChatMessage {
	if len(t.Calls) == 0 {
		return nil
	}
	out := []messages.ChatMessage{messages.AssistantToolCalls(t.Calls)}
	return append(out, messages.ToolMessages(t.Calls, t.Results)...)
}

// Handle extracts the tool calls from a provider response and executes
// them against the resolution that produced the request. A malformed call
// aborts the whole turn before anything runs. Calls naming a tool that was
// not offered fail with UnknownTool.
func (b *Bridge) Handle(ctx context.Context, provider string, res tools.Resolution, resp any) (*Turn, error) {
	adapter, err := Lookup(provider)
	if err != nil {
		return nil, err
	}
	calls, err := adapter.ExtractToolCalls(resp)
	if err != nil {
		zap.S().Debugw("tool_calls_malformed", "provider", provider, "error", err)
		return nil, err
	}
	if len(calls) == 0 {
		return &Turn{}, nil
	}

	offered := make(map[string]bool, len(res.Definitions))
	for _, d := range res.Definitions {
		offered[d.Name] = true
	}

	results := make([]tools.Result, len(calls))
	var (
		runnable []tools.ToolCall
		index    []int
	)
	for i, c := range calls {
		if !offered[c.Name] {
			results[i] = tools.Failed(c.ID, tools.UnknownTools(c.Name))
			continue
		}
		runnable = append(runnable, c)
		index = append(index, i)
	}

	ran, err := b.executor.ExecuteAll(ctx, res.Snapshot, runnable)
	for j, r := range ran {
		results[index[j]] = r
	}

	zap.S().Debugw("tool_turn_handled", "provider", provider, "calls", len(calls))
	return &Turn{Calls: calls, Results: results}, err
}
