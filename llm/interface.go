package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/alexschlessinger/toolbridge/tools"
)

// Adapter translates between tool definitions and one provider's wire format
type Adapter interface {
	// Provider returns the provider id used as a model prefix, e.g. "openai"
	Provider() string

	// SupportsToolCalling reports whether the model accepts tool definitions
	SupportsToolCalling(model string) bool

	// FormatTools renders definitions in the provider's request shape. The
	// output is deterministic: definitions are emitted sorted by name.
	FormatTools(defs []tools.Definition) (any, error)

	// HasToolCalls reports whether a response asks for any tool call
	HasToolCalls(resp any) bool

	// ExtractToolCalls returns one call per tool use in the response, in
	// response order, keeping the provider's call id.
	ExtractToolCalls(resp any) ([]tools.ToolCall, error)
}

var (
	adaptersMu sync.RWMutex
	adapters   = map[string]Adapter{}
)

func init() {
	Register(OpenAIAdapter{})
	Register(AnthropicAdapter{})
	Register(GeminiAdapter{})
	Register(OllamaAdapter{})
}

// Register adds or replaces the adapter for a provider
func Register(a Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	adapters[strings.ToLower(a.Provider())] = a
}

// Lookup returns the adapter for a provider
func Lookup(provider string) (Adapter, error) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	a, ok := adapters[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("unknown provider '%s'. Valid providers: %s", provider, strings.Join(providersLocked(), ", "))
	}
	return a, nil
}

// Providers lists the registered provider ids
func Providers() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	return providersLocked()
}

func providersLocked() []string {
	out := make([]string, 0, len(adapters))
	for p := range adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// ParseModel splits "provider/model" into its parts
func ParseModel(s string) (provider, model string, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("model must include provider prefix (e.g., 'openai/gpt-4.1', 'anthropic/claude-sonnet-4-20250514'). Got: %s", s)
	}
	return strings.ToLower(parts[0]), parts[1], nil
}

// FormatForProvider renders definitions for a provider as JSON
func FormatForProvider(provider string, defs []tools.Definition) (json.RawMessage, error) {
	a, err := Lookup(provider)
	if err != nil {
		return nil, err
	}
	wire, err := a.FormatTools(defs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s tools: %w", provider, err)
	}
	return canonicalJSON(data)
}

// canonicalJSON re-encodes data with object keys sorted. SDK encoders that
// splice in extra fields do so in map order.
func canonicalJSON(data []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode encoded tools: %w", err)
	}
	return json.Marshal(v)
}

// sortedDefinitions returns defs ordered by name
func sortedDefinitions(defs []tools.Definition) []tools.Definition {
	out := slices.Clone(defs)
	slices.SortFunc(out, func(a, b tools.Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// decodeResponse accepts a provider's typed response, a pointer to one, or
// its raw JSON encoding.
func decodeResponse[T any](provider string, resp any) (*T, error) {
	var data []byte
	switch r := resp.(type) {
	case nil:
		return nil, tools.ErrMalformedToolCall.Withf("", "%s: nil response", provider)
	case T:
		return &r, nil
	case *T:
		if r == nil {
			return nil, tools.ErrMalformedToolCall.Withf("", "%s: nil response", provider)
		}
		return r, nil
	case json.RawMessage:
		data = r
	case []byte:
		data = r
	case string:
		data = []byte(r)
	default:
		return nil, tools.ErrMalformedToolCall.Withf("", "%s: unsupported response type %T", provider, resp)
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, tools.ErrMalformedToolCall.Withf("", "%s: failed to decode response: %v", provider, err)
	}
	return &out, nil
}

// parseArguments decodes a JSON argument string. An empty string is an
// empty object; anything that is not a JSON object is malformed.
func parseArguments(tool, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, tools.ErrMalformedToolCall.Withf(tool, "arguments are not a JSON object: %v", err)
	}
	if args == nil {
		// literal null
		args = map[string]any{}
	}
	return args, nil
}

// toMap round-trips a value through JSON into an argument map
func toMap(tool string, v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, tools.ErrMalformedToolCall.Withf(tool, "failed to encode arguments: %v", err)
	}
	return parseArguments(tool, string(data))
}

// parameterSchema returns a definition's parameter schema as a plain JSON
// object so every keyword reaches the wire. The tool's own name and
// description are carried next to it, so title and description are left out.
func parameterSchema(d tools.Definition) (map[string]any, error) {
	data, err := json.Marshal(d.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema for %s: %w", d.Name, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema for %s: %w", d.Name, err)
	}
	delete(out, "title")
	delete(out, "description")
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out, nil
}

// hasProperties reports whether a schema object declares any property
func hasProperties(schema map[string]any) bool {
	props, _ := schema["properties"].(map[string]any)
	return len(props) > 0
}
