package llm

import (
	"fmt"
	"strings"

	"github.com/alexschlessinger/toolbridge/tools"
	"google.golang.org/genai"
)

// GeminiAdapter groups every tool into the FunctionDeclarations of a single
// genai.Tool and reads functionCall parts from candidates.
type GeminiAdapter struct{}

var _ Adapter = GeminiAdapter{}

func (GeminiAdapter) Provider() string { return "gemini" }

// SupportsToolCalling is false for the vision-only and Gemma models
func (GeminiAdapter) SupportsToolCalling(model string) bool {
	m := strings.ToLower(model)
	return !strings.Contains(m, "vision") && !strings.HasPrefix(m, "gemma") && !strings.Contains(m, "embedding")
}

func (a GeminiAdapter) FormatTools(defs []tools.Definition) (any, error) {
	if len(defs) == 0 {
		return []*genai.Tool{}, nil
	}
	tool := &genai.Tool{}
	for _, def := range sortedDefinitions(defs) {
		decl, err := ConvertToolToGemini(def)
		if err != nil {
			return nil, err
		}
		tool.FunctionDeclarations = append(tool.FunctionDeclarations, decl)
	}
	return []*genai.Tool{tool}, nil
}

func (a GeminiAdapter) HasToolCalls(resp any) bool {
	r, err := decodeResponse[genai.GenerateContentResponse](a.Provider(), resp)
	if err != nil {
		return false
	}
	return len(r.FunctionCalls()) > 0
}

// ExtractToolCalls reads calls from the first candidate. Gemini does not
// always assign ids, so missing ones are synthesized as gemini-<index>.
func (a GeminiAdapter) ExtractToolCalls(resp any) ([]tools.ToolCall, error) {
	r, err := decodeResponse[genai.GenerateContentResponse](a.Provider(), resp)
	if err != nil {
		return nil, err
	}

	var calls []tools.ToolCall
	for i, fc := range r.FunctionCalls() {
		if fc == nil || fc.Name == "" {
			return nil, tools.ErrMalformedToolCall.Withf("", "gemini: function call %d has no name", i)
		}
		args, err := toMap(fc.Name, fc.Args)
		if err != nil {
			return nil, err
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("gemini-%d", i)
		}
		calls = append(calls, tools.ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	return calls, nil
}

// ConvertToolToGemini converts a tool definition to a Gemini function
// declaration. The schema goes in parametersJsonSchema, which takes full
// JSON Schema where genai.Schema only covers an OpenAPI subset.
func ConvertToolToGemini(d tools.Definition) (*genai.FunctionDeclaration, error) {
	params, err := parameterSchema(d)
	if err != nil {
		return nil, err
	}
	return &genai.FunctionDeclaration{
		Name:                 d.Name,
		Description:          d.Description,
		ParametersJsonSchema: params,
	}, nil
}
