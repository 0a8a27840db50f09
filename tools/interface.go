package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Origin identifies where a tool is implemented: "local" or "remote:<serverID>"
type Origin string

const OriginLocal Origin = "local"

const remotePrefix = "remote:"

// RemoteOrigin returns the origin for tools exposed by the given server
func RemoteOrigin(serverID string) Origin {
	return Origin(remotePrefix + serverID)
}

// IsLocal reports whether the tool runs in-process
func (o Origin) IsLocal() bool {
	return o == OriginLocal
}

// ServerID returns the remote server id for remote origins
func (o Origin) ServerID() (string, bool) {
	id, ok := strings.CutPrefix(string(o), remotePrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ExecutionMode selects how a local handler is dispatched
type ExecutionMode string

const (
	ModeSync   ExecutionMode = "sync"
	ModeQueued ExecutionMode = "queued"
)

// Definition describes one tool. Registered definitions are never mutated;
// the registry hands out copies.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
	Origin      Origin             `json:"origin"`
	Mode        ExecutionMode      `json:"mode,omitempty"`
}

// Schema returns the parameter schema titled with the tool name and
// carrying its description, the shape the provider converters consume.
func (d Definition) Schema() *jsonschema.Schema {
	s := cloneSchema(d.Parameters)
	if s == nil {
		s = &jsonschema.Schema{}
	}
	if s.Type == "" && len(s.Types) == 0 {
		s.Type = "object"
	}
	if s.Properties == nil && s.Type == "object" {
		s.Properties = map[string]*jsonschema.Schema{}
	}
	s.Title = d.Name
	if d.Description != "" {
		s.Description = d.Description
	}
	return s
}

func (d Definition) clone() Definition {
	d.Parameters = cloneSchema(d.Parameters)
	if d.Mode == "" {
		d.Mode = ModeSync
	}
	return d
}

// cloneSchema deep-copies a schema through its JSON form.
func cloneSchema(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s.CloneSchemas()
	}
	var out jsonschema.Schema
	if err := json.Unmarshal(data, &out); err != nil {
		return s.CloneSchemas()
	}
	return &out
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID        string         `json:"id"`        // Provider-specific correlation ID
	Name      string         `json:"name"`      // Tool name
	Arguments map[string]any `json:"arguments"` // Parsed arguments
}

// Result is the normalized outcome of executing a ToolCall
type Result struct {
	CallID     string        `json:"call_id"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Structured any           `json:"structured,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"-"`
	Attempts   int           `json:"attempts,omitempty"`

	// Pending is set for queued dispatches; the outcome arrives on the
	// queue's completion channel under JobID.
	Pending bool   `json:"pending,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// DurationMs returns the execution time in milliseconds
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Content returns the text to hand back to the model for this call
func (r Result) Content() string {
	switch {
	case r.Pending:
		return fmt.Sprintf("accepted: job %s is running in the background", r.JobID)
	case r.Success:
		if r.Output == "" && r.Structured != nil {
			data, err := json.Marshal(r.Structured)
			if err == nil {
				return string(data)
			}
		}
		return r.Output
	default:
		return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Error)
	}
}

// Failed builds an unsuccessful result from an error, classifying it.
func Failed(callID string, err error) Result {
	return Result{
		CallID:    callID,
		Success:   false,
		ErrorKind: KindOf(err),
		Error:     err.Error(),
	}
}

// Handler executes a local tool call
type Handler interface {
	Handle(ctx context.Context, call ToolCall) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, call ToolCall) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, call ToolCall) (Result, error) {
	return f(ctx, call)
}

// Source supplies remote tool definitions to the registry. Implementations
// must only return definitions from servers that can currently serve calls.
type Source interface {
	// RemoteDefinitions may start refreshing stale definitions but returns
	// without waiting for them.
	RemoteDefinitions(ctx context.Context) []Definition

	// CachedDefinitions returns what is already known, never refreshing
	CachedDefinitions() []Definition
}
