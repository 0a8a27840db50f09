package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
)

// ShellTool wraps an external command as a local tool. The command prints
// its parameter schema for --schema and runs with --execute <json-args>.
type ShellTool struct {
	Command string
	schema  *jsonschema.Schema
}

// NewShellTool creates a new shell tool from a command
func NewShellTool(ctx context.Context, command string) (*ShellTool, error) {
	tool := &ShellTool{Command: command}

	schemaJSON, err := tool.runCommand(ctx, "--schema")
	if err != nil {
		return nil, fmt.Errorf("failed to get schema from %s: %w", command, err)
	}

	tool.schema = &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(schemaJSON), tool.schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema from %s: %w", command, err)
	}
	if tool.schema.Title == "" {
		return nil, fmt.Errorf("schema from %s has no title", command)
	}
	return tool, nil
}

// Name returns the tool name declared by the schema title
func (s *ShellTool) Name() string {
	return s.schema.Title
}

// Metadata returns the registration metadata for the tool
func (s *ShellTool) Metadata() Metadata {
	params := cloneSchema(s.schema)
	params.Title = ""
	params.Description = ""
	return Metadata{Description: s.schema.Description, Parameters: params}
}

// Handle runs the command with the call's arguments
func (s *ShellTool) Handle(ctx context.Context, call ToolCall) (Result, error) {
	argsJSON, err := json.Marshal(call.Arguments)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command, "--execute", string(argsJSON))
	output, err := cmd.CombinedOutput()

	if cmd.ProcessState != nil {
		zap.S().Debugw("shell_tool_completed",
			"tool_name", s.Name(),
			"user_time", cmd.ProcessState.UserTime(),
			"system_time", cmd.ProcessState.SystemTime(),
			"exit_code", cmd.ProcessState.ExitCode())
	}

	result := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("tool execution failed: %w (output: %s)", err, result)
	}
	return Result{Success: true, Output: result}, nil
}

func (s *ShellTool) runCommand(ctx context.Context, arg string) (string, error) {
	output, err := exec.CommandContext(ctx, s.Command, arg).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// LoadShellTools registers every loadable command as a local sync tool.
// Commands that fail to load are logged and skipped.
func LoadShellTools(ctx context.Context, l *LocalRegistry, paths []string) ([]*ShellTool, error) {
	var loaded []*ShellTool
	for _, path := range paths {
		zap.S().Debugw("tool_loading", "path", path)
		tool, err := NewShellTool(ctx, path)
		if err != nil {
			zap.S().Warnw("tool_load_failed", "path", path, "error", err)
			continue
		}
		if err := l.Listen(ctx, tool.Name(), tool, tool.Metadata()); err != nil {
			return loaded, fmt.Errorf("failed to register %s: %w", path, err)
		}
		loaded = append(loaded, tool)
	}
	return loaded, nil
}
