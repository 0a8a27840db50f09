package llm

import (
	"strings"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/anthropics/anthropic-sdk-go"
)

const anthropicToolUse = "tool_use"

// AnthropicAdapter formats tools as name/input_schema pairs and reads
// tool_use content blocks from messages.
type AnthropicAdapter struct{}

var _ Adapter = AnthropicAdapter{}

func (AnthropicAdapter) Provider() string { return "anthropic" }

// SupportsToolCalling is false for the pre-Claude 3 generations
func (AnthropicAdapter) SupportsToolCalling(model string) bool {
	m := strings.ToLower(model)
	return !strings.HasPrefix(m, "claude-2") && !strings.HasPrefix(m, "claude-instant")
}

func (a AnthropicAdapter) FormatTools(defs []tools.Definition) (any, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range sortedDefinitions(defs) {
		tool, err := ConvertToolToAnthropic(def)
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

func (a AnthropicAdapter) HasToolCalls(resp any) bool {
	msg, err := decodeResponse[anthropic.Message](a.Provider(), resp)
	if err != nil {
		return false
	}
	for _, block := range msg.Content {
		if block.Type == anthropicToolUse {
			return true
		}
	}
	return false
}

func (a AnthropicAdapter) ExtractToolCalls(resp any) ([]tools.ToolCall, error) {
	msg, err := decodeResponse[anthropic.Message](a.Provider(), resp)
	if err != nil {
		return nil, err
	}

	var calls []tools.ToolCall
	for _, block := range msg.Content {
		if block.Type != anthropicToolUse {
			continue
		}
		if block.Name == "" {
			return nil, tools.ErrMalformedToolCall.Withf("", "anthropic: tool_use block %s has no name", block.ID)
		}
		args, err := parseArguments(block.Name, string(block.Input))
		if err != nil {
			return nil, err
		}
		calls = append(calls, tools.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
	}
	return calls, nil
}

// ConvertToolToAnthropic converts a tool definition to Anthropic format.
// Schema keywords beyond properties and required travel as extra fields of
// input_schema.
func ConvertToolToAnthropic(d tools.Definition) (anthropic.ToolUnionParam, error) {
	params, err := parameterSchema(d)
	if err != nil {
		return anthropic.ToolUnionParam{}, err
	}

	inputSchema := anthropic.ToolInputSchemaParam{
		Properties: params["properties"],
	}
	if required, ok := params["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				inputSchema.Required = append(inputSchema.Required, name)
			}
		}
	}
	extra := make(map[string]any)
	for k, v := range params {
		switch k {
		case "type", "properties", "required":
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		inputSchema.ExtraFields = extra
	}

	tool := anthropic.ToolParam{
		Name:        d.Name,
		Description: anthropic.String(d.Description),
		InputSchema: inputSchema,
	}
	return anthropic.ToolUnionParam{
		OfTool: &tool,
	}, nil
}
