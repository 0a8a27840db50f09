package messages

import (
	"encoding/json"

	"github.com/alexschlessinger/toolbridge/tools"
)

// StopReason indicates why the model stopped generating
type StopReason string

const (
	// StopReasonEndTurn indicates normal completion
	StopReasonEndTurn StopReason = "end_turn"
	// StopReasonToolUse indicates the model wants to use tools
	StopReasonToolUse StopReason = "tool_use"
	// StopReasonError indicates malformed output or other error
	StopReasonError StopReason = "error"
)

// ChatMessage is a provider-agnostic conversation entry carrying tool calls
// and tool results
type ChatMessage struct {
	Role       string                `json:"role"`
	Content    string                `json:"content,omitempty"`
	ToolCalls  []ChatMessageToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"` // For tool response messages
	ToolName   string                `json:"tool_name,omitempty"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
	StopReason StopReason            `json:"stop_reason,omitempty"`
}

// ChatMessageToolCall represents a tool call within a message
type ChatMessageToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string of arguments
}

// Standard role constants
const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleTool      = "tool"
)

// Metadata keys for tool results
const (
	MetadataKeyErrorKind  = "error_kind"
	MetadataKeyDurationMs = "duration_ms"
	MetadataKeyJobID      = "job_id"
)

// AssistantToolCalls renders extracted calls as the assistant turn that
// requested them
func AssistantToolCalls(calls []tools.ToolCall) ChatMessage {
	msg := ChatMessage{Role: MessageRoleAssistant, StopReason: StopReasonToolUse}
	for _, c := range calls {
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		data, err := json.Marshal(args)
		if err != nil {
			data = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, ChatMessageToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: string(data),
		})
	}
	return msg
}

// ToolMessages renders results as tool-role messages, one per call, in
// the order given. Failed calls carry their reason as content so it can be
// relayed to the model.
func ToolMessages(calls []tools.ToolCall, results []tools.Result) []ChatMessage {
	names := make(map[string]string, len(calls))
	for _, c := range calls {
		names[c.ID] = c.Name
	}

	out := make([]ChatMessage, 0, len(results))
	for _, r := range results {
		msg := ChatMessage{
			Role:       MessageRoleTool,
			Content:    r.Content(),
			ToolCallID: r.CallID,
			ToolName:   names[r.CallID],
			Metadata:   map[string]any{MetadataKeyDurationMs: r.DurationMs()},
		}
		if !r.Success {
			msg.Metadata[MetadataKeyErrorKind] = string(r.ErrorKind)
		}
		if r.Pending {
			msg.Metadata[MetadataKeyJobID] = r.JobID
		}
		out = append(out, msg)
	}
	return out
}
