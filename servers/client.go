package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is a live connection to a remote tool server
type Session interface {
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens a session to the server described by cfg
type Connector func(ctx context.Context, cfg ServerConfig) (Session, error)

// headerRoundTripper injects custom headers and remembers the last status
// code so credential rejections can be told apart from other failures.
type headerRoundTripper struct {
	base       http.RoundTripper
	headers    map[string]string
	lastStatus atomic.Int32
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	resp, err := h.base.RoundTrip(req)
	if resp != nil {
		h.lastStatus.Store(int32(resp.StatusCode))
	}
	return resp, err
}

func (h *headerRoundTripper) rejected() bool {
	s := h.lastStatus.Load()
	return s == http.StatusUnauthorized || s == http.StatusForbidden
}

// httpClient creates an HTTP client with custom headers. There is no
// client-wide timeout: SSE streams stay open for the session's lifetime and
// each call is bounded by its context instead.
func httpClient(rt *headerRoundTripper) *http.Client {
	return &http.Client{Transport: rt}
}

type mcpSession struct {
	session *mcp.ClientSession
	http    *headerRoundTripper
}

// NewSession wraps an established MCP client session
func NewSession(cs *mcp.ClientSession) Session {
	return &mcpSession{session: cs}
}

func (s *mcpSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var out []*mcp.Tool
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("error listing tools: %w", err)
		}
		if tool != nil {
			out = append(out, tool)
		}
	}
	return out, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return s.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

func (s *mcpSession) Ping(ctx context.Context) error {
	return s.session.Ping(ctx, nil)
}

func (s *mcpSession) Close() error {
	return s.session.Close()
}

// AuthRejected reports whether the server last answered 401 or 403
func (s *mcpSession) AuthRejected() bool {
	return s.http != nil && s.http.rejected()
}

// Connect is the default Connector. It launches stdio servers as
// subprocesses and dials SSE and streamable HTTP endpoints.
func Connect(ctx context.Context, cfg ServerConfig) (Session, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "toolbridge",
		Version: "1.0.0",
	}, nil)

	var (
		transport mcp.Transport
		rt        *headerRoundTripper
	)
	switch cfg.Transport {
	case TransportSSE, TransportStreamable:
		rt = &headerRoundTripper{base: http.DefaultTransport, headers: cfg.Headers}
		hc := httpClient(rt)
		if cfg.Transport == TransportSSE {
			log.Printf("connecting to MCP server via SSE: %s", cfg.URL)
			transport = &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: hc}
		} else {
			log.Printf("connecting to MCP server via streamable HTTP: %s", cfg.URL)
			transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: hc}
		}

	case TransportStdio, "":
		if cfg.Command == "" {
			return nil, fatal(fmt.Errorf("stdio transport requires a command"))
		}
		if _, err := exec.LookPath(cfg.Command); err != nil {
			return nil, fatal(fmt.Errorf("failed to find %s: %w", cfg.Command, err))
		}

		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for key, value := range cfg.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
			}
		}
		// server stderr goes to the log, which zap captures
		cmd.Stderr = log.Writer()

		log.Printf("connecting to MCP server: %s %v", cfg.Command, cfg.Args)
		transport = &mcp.CommandTransport{Command: cmd}

	default:
		return nil, fatal(fmt.Errorf("unknown transport type: %s (supported: stdio, sse, streamable)", cfg.Transport))
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if rt != nil && rt.rejected() {
			return nil, fatal(tools.ErrAuthenticationFailed.With("", err))
		}
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}
	return &mcpSession{session: session, http: rt}, nil
}

// fatalError marks a start failure that retrying cannot fix
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || errors.Is(err, tools.ErrAuthenticationFailed)
}

// toDefinition converts a discovered tool into a registry definition
func toDefinition(serverID string, tool *mcp.Tool) tools.Definition {
	def := tools.Definition{
		Name:        tool.Name,
		Description: tool.Description,
		Origin:      tools.RemoteOrigin(serverID),
		Mode:        tools.ModeSync,
	}

	if tool.InputSchema != nil {
		// InputSchema is untyped in the SDK; go through JSON
		if data, err := json.Marshal(tool.InputSchema); err == nil {
			schema := &jsonschema.Schema{}
			if err := json.Unmarshal(data, schema); err == nil {
				def.Parameters = schema
			}
		}
	}
	if def.Parameters == nil {
		def.Parameters = &jsonschema.Schema{Type: "object"}
	}
	return def
}

// toResult converts a tool call outcome. Text content is joined into the
// output; other content kinds are kept as JSON.
func toResult(name string, res *mcp.CallToolResult) (tools.Result, error) {
	if res == nil {
		return tools.Result{}, tools.ErrRemoteProtocolError.Withf(name, "empty tool result")
	}

	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			return tools.Result{}, tools.ErrRemoteProtocolError.Withf(name, "failed to encode content: %v", err)
		}
		parts = append(parts, string(data))
	}
	output := strings.Join(parts, "\n")

	if res.IsError {
		if output == "" {
			output = "tool returned error without content"
		}
		return tools.Result{}, tools.ErrHandlerError.With(name, errors.New(output))
	}
	return tools.Result{Success: true, Output: output, Structured: res.StructuredContent}, nil
}
