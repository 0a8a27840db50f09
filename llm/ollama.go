package llm

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alexschlessinger/toolbridge/tools"
	mcpjsonschema "github.com/google/jsonschema-go/jsonschema"
	ollamaapi "github.com/ollama/ollama/api"
)

// OllamaAdapter formats tools in Ollama's native function shape and reads
// tool_calls from chat responses.
type OllamaAdapter struct{}

var _ Adapter = OllamaAdapter{}

func (OllamaAdapter) Provider() string { return "ollama" }

// ollamaToolModels are the model families with tool templates
var ollamaToolModels = []string{
	"llama3.1", "llama3.2", "llama3.3", "llama4",
	"qwen2", "qwen2.5", "qwen3",
	"mistral", "mixtral",
	"command-r", "firefunction", "hermes3", "granite3", "nemotron",
	"gpt-oss", "deepseek-v3", "smollm2",
}

// SupportsToolCalling matches the model family prefix, ignoring any tag
func (OllamaAdapter) SupportsToolCalling(model string) bool {
	family, _, _ := strings.Cut(strings.ToLower(model), ":")
	for _, m := range ollamaToolModels {
		if strings.HasPrefix(family, m) {
			return true
		}
	}
	return false
}

// OllamaTool is the request shape of one Ollama tool with the parameter
// schema kept whole. ollamaapi.ToolProperty has no room for keywords such
// as minimum or format; use ConvertToolToOllama where the typed form is
// needed.
type OllamaTool struct {
	Type     string         `json:"type"`
	Function OllamaFunction `json:"function"`
}

type OllamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

func (a OllamaAdapter) FormatTools(defs []tools.Definition) (any, error) {
	out := make([]OllamaTool, 0, len(defs))
	for _, def := range sortedDefinitions(defs) {
		params, err := parameterSchema(def)
		if err != nil {
			return nil, err
		}
		out = append(out, OllamaTool{
			Type:     "function",
			Function: OllamaFunction{Name: def.Name, Description: def.Description, Parameters: params},
		})
	}
	return out, nil
}

func (a OllamaAdapter) HasToolCalls(resp any) bool {
	r, err := decodeResponse[ollamaapi.ChatResponse](a.Provider(), resp)
	if err != nil {
		return false
	}
	return len(r.Message.ToolCalls) > 0
}

// ExtractToolCalls reads the final message's tool calls. Older Ollama
// versions send no call ids; those are synthesized as call_<index>.
func (a OllamaAdapter) ExtractToolCalls(resp any) ([]tools.ToolCall, error) {
	r, err := decodeResponse[ollamaapi.ChatResponse](a.Provider(), resp)
	if err != nil {
		return nil, err
	}

	var calls []tools.ToolCall
	for i, tc := range r.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, tools.ErrMalformedToolCall.Withf("", "ollama: tool call %d has no function name", i)
		}
		args, err := toMap(tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, tools.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return calls, nil
}

// convertSchemaToOllamaProperty recursively converts a schema to an Ollama
// ToolProperty, keeping nested objects, type unions and anyOf
func convertSchemaToOllamaProperty(schema *mcpjsonschema.Schema) ollamaapi.ToolProperty {
	if schema == nil {
		return ollamaapi.ToolProperty{Type: ollamaapi.PropertyType{"string"}}
	}

	prop := ollamaapi.ToolProperty{
		Description: schema.Description,
		Enum:        schema.Enum,
	}
	switch {
	case schema.Type != "":
		prop.Type = ollamaapi.PropertyType{schema.Type}
	case len(schema.Types) > 0:
		prop.Type = ollamaapi.PropertyType(slices.Clone(schema.Types))
	}
	for _, alt := range schema.AnyOf {
		prop.AnyOf = append(prop.AnyOf, convertSchemaToOllamaProperty(alt))
	}
	if len(prop.Type) == 0 && len(prop.AnyOf) == 0 {
		prop.Type = ollamaapi.PropertyType{"string"}
	}

	if schema.Items != nil {
		prop.Items = convertSchemaToOllamaProperty(schema.Items)
	} else if slices.Contains(prop.Type, "array") {
		prop.Items = ollamaapi.ToolProperty{Type: ollamaapi.PropertyType{"string"}}
	}
	if len(schema.Properties) > 0 {
		prop.Properties = convertOllamaProperties(schema.Properties)
	}
	return prop
}

// convertOllamaProperties builds an ordered property map sorted by name
func convertOllamaProperties(props map[string]*mcpjsonschema.Schema) *ollamaapi.ToolPropertiesMap {
	out := ollamaapi.NewToolPropertiesMap()
	for _, name := range slices.Sorted(maps.Keys(props)) {
		if p := props[name]; p != nil {
			out.Set(name, convertSchemaToOllamaProperty(p))
		}
	}
	return out
}

// ConvertToolToOllama converts a tool definition to the typed ollamaapi.Tool
// for hosts that build api.ChatRequest values. Structure survives; keywords
// ToolProperty cannot hold, such as minimum or format, do not.
func ConvertToolToOllama(d tools.Definition) ollamaapi.Tool {
	schema := d.Schema()

	toolFunc := ollamaapi.ToolFunction{
		Name:        d.Name,
		Description: d.Description,
	}
	toolFunc.Parameters.Type = "object"
	toolFunc.Parameters.Required = schema.Required
	toolFunc.Parameters.Properties = convertOllamaProperties(schema.Properties)

	return ollamaapi.Tool{
		Type:     "function",
		Function: toolFunc,
	}
}
