package llm

import (
	"strings"

	"github.com/alexschlessinger/toolbridge/tools"
	ai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// noArgsProperty keeps "properties" non-empty for tools without arguments;
// OpenAI rejects strict parameter objects that declare none.
const noArgsProperty = "__noargs"

// OpenAIAdapter formats tools as a flat function list and reads
// tool_calls from chat completion responses.
type OpenAIAdapter struct{}

var _ Adapter = OpenAIAdapter{}

func (OpenAIAdapter) Provider() string { return "openai" }

// SupportsToolCalling is false for the legacy completion and embedding
// models; every chat model accepts tools.
func (OpenAIAdapter) SupportsToolCalling(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"text-", "davinci", "babbage", "gpt-3.5-turbo-instruct", "o1-mini", "o1-preview", "whisper", "tts-", "dall-e"} {
		if strings.HasPrefix(m, prefix) {
			return false
		}
	}
	return true
}

func (a OpenAIAdapter) FormatTools(defs []tools.Definition) (any, error) {
	out := make([]ai.Tool, 0, len(defs))
	for _, def := range sortedDefinitions(defs) {
		tool, err := ConvertToolToOpenAI(def)
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

// HasToolCalls looks at the first choice only, like ExtractToolCalls
func (a OpenAIAdapter) HasToolCalls(resp any) bool {
	r, err := decodeResponse[ai.ChatCompletionResponse](a.Provider(), resp)
	if err != nil || len(r.Choices) == 0 {
		return false
	}
	return len(r.Choices[0].Message.ToolCalls) > 0
}

func (a OpenAIAdapter) ExtractToolCalls(resp any) ([]tools.ToolCall, error) {
	r, err := decodeResponse[ai.ChatCompletionResponse](a.Provider(), resp)
	if err != nil {
		return nil, err
	}
	if len(r.Choices) == 0 {
		return nil, nil
	}

	var calls []tools.ToolCall
	for _, tc := range r.Choices[0].Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, tools.ErrMalformedToolCall.Withf("", "openai: tool call %s has no function name", tc.ID)
		}
		args, err := parseArguments(tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		delete(args, noArgsProperty)
		calls = append(calls, tools.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return calls, nil
}

// ConvertToolToOpenAI converts a tool definition to OpenAI format. The
// parameter schema is passed through whole.
func ConvertToolToOpenAI(d tools.Definition) (ai.Tool, error) {
	params, err := parameterSchema(d)
	if err != nil {
		return ai.Tool{}, err
	}
	if !hasProperties(params) {
		params["properties"] = map[string]any{
			noArgsProperty: jsonschema.Definition{
				Type:        jsonschema.String,
				Description: "No arguments expected; value ignored.",
			},
		}
		params["additionalProperties"] = false
	}

	return ai.Tool{
		Type: ai.ToolTypeFunction,
		Function: &ai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		},
	}, nil
}
