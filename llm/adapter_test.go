package llm

import (
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/google/jsonschema-go/jsonschema"
)

func testDefinitions() []tools.Definition {
	return []tools.Definition{
		{
			Name:        "search",
			Description: "Search the index",
			Origin:      tools.RemoteOrigin("web"),
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "Search terms"},
					"tags":  {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
					"order": {Type: "string", Enum: []any{"asc", "desc"}},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "add",
			Description: "Add two integers",
			Origin:      tools.OriginLocal,
			Parameters: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"a": {Type: "integer", Description: "First addend"},
					"b": {Type: "integer", Description: "Second addend"},
				},
				Required: []string{"a", "b"},
			},
		},
		{
			Name:        "now",
			Description: "Current time",
			Origin:      tools.OriginLocal,
		},
	}
}

// wireTool is the provider-neutral content of one formatted tool
type wireTool struct {
	name        string
	description string
	params      map[string]any
	properties  map[string]any
	required    []string
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStrings(v any) []string {
	var out []string
	list, _ := v.([]any)
	for _, s := range list {
		if str, ok := s.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// readWire pulls names, descriptions and parameters back out of each
// provider's request shape
func readWire(t *testing.T, provider string, data json.RawMessage) []wireTool {
	t.Helper()
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("%s: wire format is not a list: %v\n%s", provider, err, data)
	}

	var out []wireTool
	fromParams := func(name, desc string, params map[string]any) {
		out = append(out, wireTool{
			name:        name,
			description: desc,
			params:      params,
			properties:  asMap(params["properties"]),
			required:    asStrings(params["required"]),
		})
	}

	switch provider {
	case "openai", "ollama":
		for _, item := range list {
			m := asMap(item)
			if m["type"] != "function" {
				t.Errorf("%s: expected type function, got %v", provider, m["type"])
			}
			fn := asMap(m["function"])
			fromParams(fn["name"].(string), fn["description"].(string), asMap(fn["parameters"]))
		}
	case "anthropic":
		for _, item := range list {
			m := asMap(item)
			fromParams(m["name"].(string), m["description"].(string), asMap(m["input_schema"]))
		}
	case "gemini":
		if len(list) != 1 {
			t.Fatalf("gemini: expected one grouped tool, got %d", len(list))
		}
		for _, decl := range asMap(list[0])["functionDeclarations"].([]any) {
			m := asMap(decl)
			fromParams(m["name"].(string), m["description"].(string), asMap(m["parametersJsonSchema"]))
		}
	default:
		t.Fatalf("no reader for provider %s", provider)
	}
	return out
}

func TestFormatForProviderPreservesDefinitions(t *testing.T) {
	defs := testDefinitions()

	for _, provider := range Providers() {
		t.Run(provider, func(t *testing.T) {
			data, err := FormatForProvider(provider, defs)
			if err != nil {
				t.Fatalf("FormatForProvider: %v", err)
			}
			wire := readWire(t, provider, data)
			if len(wire) != len(defs) {
				t.Fatalf("Expected %d tools, got %d", len(defs), len(wire))
			}

			// sorted by name
			want := []string{"add", "now", "search"}
			for i, w := range wire {
				if w.name != want[i] {
					t.Errorf("Tool %d: expected %s, got %s", i, want[i], w.name)
				}
			}

			add, search := wire[0], wire[2]
			if add.description != "Add two integers" {
				t.Errorf("Unexpected description %q", add.description)
			}
			for _, p := range []string{"a", "b"} {
				if _, ok := add.properties[p]; !ok {
					t.Errorf("add is missing property %s", p)
				}
			}
			if !slices.Equal(add.required, []string{"a", "b"}) {
				t.Errorf("Unexpected required %v", add.required)
			}
			for _, p := range []string{"query", "tags", "order"} {
				if _, ok := search.properties[p]; !ok {
					t.Errorf("search is missing property %s", p)
				}
			}
			if desc := asMap(search.properties["query"])["description"]; desc != "Search terms" {
				t.Errorf("Property description lost: %v", desc)
			}
			if enum := asStrings(asMap(search.properties["order"])["enum"]); !slices.Equal(enum, []string{"asc", "desc"}) {
				t.Errorf("Enum lost: %v", enum)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

// richDefinition uses keywords no provider-specific schema type covers
func richDefinition() tools.Definition {
	return tools.Definition{
		Name:        "schedule",
		Description: "Schedule an event",
		Origin:      tools.OriginLocal,
		Parameters: &jsonschema.Schema{
			Type:          "object",
			MinProperties: ptr(1),
			Properties: map[string]*jsonschema.Schema{
				"count":  {Type: "integer", Minimum: ptr(1.0), Maximum: ptr(10.0), Default: json.RawMessage(`3`)},
				"when":   {Type: "string", Format: "date-time"},
				"note":   {Types: []string{"string", "null"}},
				"code":   {Type: "string", Pattern: "^[A-Z]{3}$"},
				"target": {AnyOf: []*jsonschema.Schema{{Type: "string"}, {Type: "integer"}}},
				"window": {
					Type:       "object",
					Properties: map[string]*jsonschema.Schema{"hours": {Type: "number", Minimum: ptr(0.5)}},
					Required:   []string{"hours"},
				},
			},
			Required: []string{"when"},
		},
	}
}

func TestFormatKeepsFullSchema(t *testing.T) {
	def := richDefinition()
	var want map[string]any
	data, _ := json.Marshal(def.Parameters)
	if err := json.Unmarshal(data, &want); err != nil {
		t.Fatal(err)
	}

	for _, provider := range Providers() {
		t.Run(provider, func(t *testing.T) {
			data, err := FormatForProvider(provider, []tools.Definition{def})
			if err != nil {
				t.Fatalf("FormatForProvider: %v", err)
			}
			wire := readWire(t, provider, data)
			if len(wire) != 1 {
				t.Fatalf("Expected 1 tool, got %d", len(wire))
			}
			got := wire[0]

			if !reflect.DeepEqual(got.properties, want["properties"]) {
				t.Errorf("Properties changed\nwant %v\ngot  %v", want["properties"], got.properties)
			}
			if !slices.Equal(got.required, []string{"when"}) {
				t.Errorf("Unexpected required %v", got.required)
			}
			if got.params["minProperties"] != float64(1) {
				t.Errorf("Top-level minProperties lost: %v", got.params)
			}

			props := got.properties
			if asMap(props["count"])["minimum"] != float64(1) || asMap(props["count"])["default"] != float64(3) {
				t.Errorf("Numeric constraints lost: %v", props["count"])
			}
			if asMap(props["when"])["format"] != "date-time" {
				t.Errorf("Format lost: %v", props["when"])
			}
			if types := asStrings(asMap(props["note"])["type"]); !slices.Equal(types, []string{"string", "null"}) {
				t.Errorf("Nullable union collapsed: %v", props["note"])
			}
			hours := asMap(asMap(asMap(props["window"])["properties"])["hours"])
			if hours["minimum"] != 0.5 {
				t.Errorf("Nested property lost: %v", props["window"])
			}
		})
	}
}

func TestNoArgumentPlaceholder(t *testing.T) {
	// only OpenAI needs a property on argument-less tools
	now := testDefinitions()[2]
	for _, provider := range Providers() {
		data, err := FormatForProvider(provider, []tools.Definition{now})
		if err != nil {
			t.Fatal(err)
		}
		props := readWire(t, provider, data)[0].properties
		_, placeholder := props[noArgsProperty]
		if placeholder != (provider == "openai") {
			t.Errorf("%s: unexpected properties %v", provider, props)
		}
	}

	// tools with arguments never get it
	data, _ := FormatForProvider("openai", testDefinitions()[1:2])
	if _, ok := readWire(t, "openai", data)[0].properties[noArgsProperty]; ok {
		t.Error("Placeholder added to a tool with arguments")
	}
}

func TestConvertToolToOllamaKeepsStructure(t *testing.T) {
	tool := ConvertToolToOllama(richDefinition())
	props := tool.Function.Parameters.Properties
	if props.Len() != 6 {
		t.Fatalf("Expected 6 properties, got %d", props.Len())
	}

	window, ok := props.Get("window")
	if !ok {
		t.Fatal("window missing")
	}
	hours, ok := window.Properties.Get("hours")
	if !ok || hours.Type.String() != "number" {
		t.Errorf("Nested property lost: %+v", window)
	}

	note, _ := props.Get("note")
	if !slices.Equal([]string(note.Type), []string{"string", "null"}) {
		t.Errorf("Nullable union collapsed: %v", note.Type)
	}
	target, _ := props.Get("target")
	if len(target.AnyOf) != 2 || len(target.Type) != 0 {
		t.Errorf("anyOf lost: %+v", target)
	}

	// the typed form still encodes as a tool list Ollama accepts
	data, err := json.Marshal(tool)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	params := asMap(asMap(decoded["function"])["parameters"])
	if _, ok := asMap(asMap(asMap(params["properties"])["window"])["properties"])["hours"]; !ok {
		t.Errorf("Nested property missing from encoding: %s", data)
	}
}

func TestFormatIsDeterministic(t *testing.T) {
	defs := testDefinitions()
	reversed := slices.Clone(defs)
	slices.Reverse(reversed)

	for _, provider := range Providers() {
		a, err := FormatForProvider(provider, defs)
		if err != nil {
			t.Fatal(err)
		}
		b, err := FormatForProvider(provider, reversed)
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Errorf("%s: output depends on input order", provider)
		}
	}
}

func TestFormatDoesNotMutateDefinitions(t *testing.T) {
	defs := testDefinitions()
	before, _ := json.Marshal(defs)
	for _, provider := range Providers() {
		if _, err := FormatForProvider(provider, defs); err != nil {
			t.Fatal(err)
		}
	}
	after, _ := json.Marshal(defs)
	if string(before) != string(after) {
		t.Error("Formatting changed the input definitions")
	}
}

// syntheticResponses ask for add(2,3) and now() in each provider's response shape
var syntheticResponses = map[string]string{
	"openai": `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls",
		"message":{"role":"assistant","tool_calls":[
			{"id":"call_abc","type":"function","function":{"name":"add","arguments":"{\"a\":2,\"b\":3}"}},
			{"id":"call_def","type":"function","function":{"name":"now","arguments":"{\"__noargs\":\"\"}"}}]}}]}`,
	"anthropic": `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","stop_reason":"tool_use",
		"content":[{"type":"text","text":"Adding."},
			{"type":"tool_use","id":"toolu_01","name":"add","input":{"a":2,"b":3}},
			{"type":"tool_use","id":"toolu_02","name":"now","input":{}}]}`,
	"gemini": `{"candidates":[{"content":{"role":"model","parts":[
		{"functionCall":{"name":"add","args":{"a":2,"b":3}}},
		{"functionCall":{"name":"now","args":{}}}]}}]}`,
	"ollama": `{"model":"llama3.1","done":true,"message":{"role":"assistant","content":"","tool_calls":[
		{"function":{"name":"add","arguments":{"a":2,"b":3}}},
		{"function":{"name":"now","arguments":{}}}]}}`,
}

var expectedIDs = map[string][]string{
	"openai":    {"call_abc", "call_def"},
	"anthropic": {"toolu_01", "toolu_02"},
	"gemini":    {"gemini-0", "gemini-1"},
	"ollama":    {"call_0", "call_1"},
}

func TestExtractToolCallsRoundTrip(t *testing.T) {
	for _, provider := range Providers() {
		t.Run(provider, func(t *testing.T) {
			adapter, err := Lookup(provider)
			if err != nil {
				t.Fatal(err)
			}
			resp := json.RawMessage(syntheticResponses[provider])

			if !adapter.HasToolCalls(resp) {
				t.Fatal("Expected tool calls")
			}
			calls, err := adapter.ExtractToolCalls(resp)
			if err != nil {
				t.Fatalf("ExtractToolCalls: %v", err)
			}
			if len(calls) != 2 {
				t.Fatalf("Expected 2 calls, got %d", len(calls))
			}

			add, now := calls[0], calls[1]
			if add.Name != "add" || now.Name != "now" {
				t.Errorf("Unexpected names %s, %s", add.Name, now.Name)
			}
			if add.Arguments["a"] != float64(2) || add.Arguments["b"] != float64(3) {
				t.Errorf("Unexpected arguments %v", add.Arguments)
			}
			if len(now.Arguments) != 0 {
				t.Errorf("Expected empty arguments, got %v", now.Arguments)
			}
			ids := []string{add.ID, now.ID}
			if !slices.Equal(ids, expectedIDs[provider]) {
				t.Errorf("Expected ids %v, got %v", expectedIDs[provider], ids)
			}
		})
	}
}

func TestOllamaKeepsProviderIDs(t *testing.T) {
	resp := `{"model":"qwen3","done":true,"message":{"role":"assistant","tool_calls":[
		{"id":"call_abc123","function":{"index":0,"name":"add","arguments":{"a":2,"b":3}}},
		{"function":{"index":1,"name":"now","arguments":{}}}]}}`
	a, _ := Lookup("ollama")
	calls, err := a.ExtractToolCalls(json.RawMessage(resp))
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{calls[0].ID, calls[1].ID}
	if !slices.Equal(ids, []string{"call_abc123", "call_1"}) {
		t.Errorf("Expected provider id kept and missing one synthesized, got %v", ids)
	}
}

func TestOpenAIReadsFirstChoiceOnly(t *testing.T) {
	resp := `{"choices":[
		{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"},
		{"index":1,"message":{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"add","arguments":"{}"}}]}}]}`
	a, _ := Lookup("openai")
	if a.HasToolCalls(resp) {
		t.Error("Tool calls outside the first choice should be ignored")
	}
	calls, err := a.ExtractToolCalls(resp)
	if err != nil || len(calls) != 0 {
		t.Errorf("Expected no calls, got %v (%v)", calls, err)
	}
}

func TestExtractFromStrings(t *testing.T) {
	// string and []byte responses are accepted as raw JSON
	a, _ := Lookup("anthropic")
	for _, resp := range []any{syntheticResponses["anthropic"], []byte(syntheticResponses["anthropic"])} {
		calls, err := a.ExtractToolCalls(resp)
		if err != nil || len(calls) != 2 {
			t.Errorf("Expected 2 calls from %T, got %d (%v)", resp, len(calls), err)
		}
	}
}

func TestNoToolCalls(t *testing.T) {
	text := map[string]string{
		"openai":    `{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`,
		"anthropic": `{"id":"m","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`,
		"gemini":    `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}]}`,
		"ollama":    `{"message":{"role":"assistant","content":"hi"},"done":true}`,
	}
	for provider, resp := range text {
		a, _ := Lookup(provider)
		if a.HasToolCalls(json.RawMessage(resp)) {
			t.Errorf("%s: expected no tool calls", provider)
		}
		calls, err := a.ExtractToolCalls(json.RawMessage(resp))
		if err != nil || len(calls) != 0 {
			t.Errorf("%s: expected no calls, got %v (%v)", provider, calls, err)
		}
	}
}

func TestMalformedArguments(t *testing.T) {
	cases := map[string]string{
		"openai": `{"choices":[{"index":0,"message":{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"add","arguments":"{\"a\":2,"}}]}}]}`,
		"openai-array": `{"choices":[{"index":0,"message":{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"add","arguments":"[1,2]"}}]}}]}`,
		"anthropic": `{"id":"m","type":"message","role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"add","input":"two and three"}]}`,
		"gemini": `{"candidates":[{"content":{"parts":[{"functionCall":{"name":"add","args":"oops"}}]}}]}`,
		"ollama": `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"add","arguments":"oops"}}]}}`,
	}
	for name, resp := range cases {
		provider := name
		if provider == "openai-array" {
			provider = "openai"
		}
		a, _ := Lookup(provider)
		calls, err := a.ExtractToolCalls(json.RawMessage(resp))
		if !errors.Is(err, tools.ErrMalformedToolCall) {
			t.Errorf("%s: expected MalformedToolCall, got %v (calls %v)", name, err, calls)
		}
	}
}

func TestEmptyArgumentString(t *testing.T) {
	resp := `{"choices":[{"index":0,"message":{"role":"assistant","tool_calls":[
		{"id":"c1","type":"function","function":{"name":"now","arguments":""}}]}}]}`
	a, _ := Lookup("openai")
	calls, err := a.ExtractToolCalls(resp)
	if err != nil {
		t.Fatal(err)
	}
	if calls[0].Arguments == nil || len(calls[0].Arguments) != 0 {
		t.Errorf("Expected empty object, got %v", calls[0].Arguments)
	}
}

func TestLookupAndParseModel(t *testing.T) {
	if _, err := Lookup("OpenAI"); err != nil {
		t.Errorf("Lookup should ignore case: %v", err)
	}
	if _, err := Lookup("cohere"); err == nil {
		t.Error("Expected error for unknown provider")
	}

	provider, model, err := ParseModel("anthropic/claude-sonnet-4-20250514")
	if err != nil || provider != "anthropic" || model != "claude-sonnet-4-20250514" {
		t.Errorf("Unexpected parse %q %q %v", provider, model, err)
	}
	provider, model, err = ParseModel("ollama/library/llama3.1:8b")
	if err != nil || provider != "ollama" || model != "library/llama3.1:8b" {
		t.Errorf("Unexpected parse %q %q %v", provider, model, err)
	}
	if _, _, err := ParseModel("gpt-4.1"); err == nil {
		t.Error("Expected error without provider prefix")
	}
}

func TestSupportsToolCalling(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     bool
	}{
		{"openai", "gpt-4.1", true},
		{"openai", "text-davinci-003", false},
		{"anthropic", "claude-sonnet-4-20250514", true},
		{"anthropic", "claude-2.1", false},
		{"gemini", "gemini-2.5-flash", true},
		{"gemini", "gemma-3-27b", false},
		{"ollama", "llama3.1:8b", true},
		{"ollama", "qwen3", true},
		{"ollama", "llava:13b", false},
	}
	for _, tt := range tests {
		a, _ := Lookup(tt.provider)
		if got := a.SupportsToolCalling(tt.model); got != tt.want {
			t.Errorf("%s/%s: expected %v, got %v", tt.provider, tt.model, tt.want, got)
		}
	}
}
