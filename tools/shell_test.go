package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func createTestScript(t *testing.T, dir string) string {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	script := `#!/bin/bash
if [ "$1" = "--schema" ]; then
	echo '{
		"title": "test-tool",
		"description": "A test tool",
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "A test message"
			}
		},
		"required": ["message"]
	}'
elif [ "$1" = "--execute" ]; then
	echo "Received: $2"
else
	echo "Unknown argument: $1"
	exit 1
fi
`
	scriptPath := filepath.Join(dir, "test-tool.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}
	return scriptPath
}

func TestNewShellTool(t *testing.T) {
	scriptPath := createTestScript(t, t.TempDir())

	tool, err := NewShellTool(context.Background(), scriptPath)
	if err != nil {
		t.Fatalf("Failed to create shell tool: %v", err)
	}
	if tool.Name() != "test-tool" {
		t.Errorf("Expected name 'test-tool', got %s", tool.Name())
	}

	meta := tool.Metadata()
	if meta.Description != "A test tool" {
		t.Errorf("Expected description 'A test tool', got %s", meta.Description)
	}
	if meta.Parameters.Title != "" {
		t.Errorf("Expected parameters without title, got %s", meta.Parameters.Title)
	}
	if len(meta.Parameters.Required) != 1 || meta.Parameters.Required[0] != "message" {
		t.Errorf("Expected 'message' to be required, got %v", meta.Parameters.Required)
	}
}

func TestShellToolHandle(t *testing.T) {
	scriptPath := createTestScript(t, t.TempDir())

	tool, err := NewShellTool(context.Background(), scriptPath)
	if err != nil {
		t.Fatalf("Failed to create shell tool: %v", err)
	}

	res, err := tool.Handle(context.Background(), ToolCall{ID: "c1", Name: "test-tool", Arguments: map[string]any{"message": "hi"}})
	if err != nil {
		t.Fatalf("Failed to execute tool: %v", err)
	}
	if !res.Success {
		t.Error("Expected success")
	}
	if res.Output != `Received: {"message":"hi"}` {
		t.Errorf("Unexpected output %q", res.Output)
	}
}

func TestShellToolHandleWithCancel(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	script := `#!/bin/bash
if [ "$1" = "--schema" ]; then
	echo '{"title": "slow-tool", "type": "object"}'
elif [ "$1" = "--execute" ]; then
	sleep 10
	echo "Should not reach here"
fi
`
	scriptPath := filepath.Join(t.TempDir(), "slow-tool.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}

	tool, err := NewShellTool(context.Background(), scriptPath)
	if err != nil {
		t.Fatalf("Failed to create shell tool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tool.Handle(ctx, ToolCall{Name: "slow-tool"}); err == nil {
		t.Error("Expected error due to context cancellation")
	}
}

func TestLoadShellTools(t *testing.T) {
	dir := t.TempDir()
	good := createTestScript(t, dir)
	missing := filepath.Join(dir, "does-not-exist")

	reg := NewRegistry()
	local := NewLocalRegistry(reg, nil)

	loaded, err := LoadShellTools(context.Background(), local, []string{missing, good})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 loaded tool, got %d", len(loaded))
	}

	res, err := local.Dispatch(context.Background(), ToolCall{ID: "x", Name: "test-tool", Arguments: map[string]any{"message": "yo"}})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !strings.HasPrefix(res.Output, "Received:") {
		t.Errorf("Unexpected output %q", res.Output)
	}
	if res.CallID != "x" {
		t.Errorf("Expected call id x, got %s", res.CallID)
	}
}
