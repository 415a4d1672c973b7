package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/sipeed/picoclaw/pkg/memory"
)

func newTestMemoryStore(t *testing.T) *memory.MemoryStore {
	t.Helper()
	s, err := memory.NewMemoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	return s
}

// --- MemorySearchTool ---

func TestMemorySearchTool_Name(t *testing.T) {
	tool := NewMemorySearchTool(nil)
	if tool.Name() != "memory_search" {
		t.Errorf("expected name 'memory_search', got %q", tool.Name())
	}
}

func TestMemorySearchTool_Execute(t *testing.T) {
	store := newTestMemoryStore(t)
	store.Append("web-chat", "user prefers dark mode")
	store.Append("web-chat", "user works at Sipeed")

	tool := NewMemorySearchTool(store)
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "dark mode",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result, "dark mode") {
		t.Errorf("expected result to contain 'dark mode', got:\n%s", result)
	}
}

func TestMemorySearchTool_NoResults(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemorySearchTool(store)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "nonexistent",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result, "No memories found") {
		t.Errorf("expected 'No memories found', got:\n%s", result)
	}
}

func TestMemorySearchTool_MissingQuery(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemorySearchTool(store)

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err == nil {
		t.Error("expected error for missing query")
	}
}

// --- MemoryStoreTool ---

func TestMemoryStoreTool_Name(t *testing.T) {
	tool := NewMemoryStoreTool(nil)
	if tool.Name() != "memory_store" {
		t.Errorf("expected name 'memory_store', got %q", tool.Name())
	}
}

func TestMemoryStoreTool_Execute(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemoryStoreTool(store)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"content": "user likes vim keybindings",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result, "stored") {
		t.Errorf("expected confirmation, got:\n%s", result)
	}

	searchTool := NewMemorySearchTool(store)
	searchResult, err := searchTool.Execute(context.Background(), map[string]interface{}{
		"query": "vim",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !strings.Contains(searchResult, "vim") {
		t.Errorf("stored memory should be searchable, got:\n%s", searchResult)
	}
}

func TestMemoryStoreTool_UsesExecutionChannelAsSource(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemoryStoreTool(store)

	args := withExecutionContext(map[string]interface{}{
		"content": "some note",
	}, "telegram", "chat-1", "")

	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result, "telegram") {
		t.Errorf("expected source=telegram in confirmation, got:\n%s", result)
	}
}

func TestMemoryStoreTool_MissingContent(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemoryStoreTool(store)

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err == nil {
		t.Error("expected error for missing content")
	}
}

func TestMemoryStoreTool_Parameters(t *testing.T) {
	tool := NewMemoryStoreTool(nil)
	params := tool.Parameters()

	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("expected properties map")
	}
	if _, ok := props["content"]; !ok {
		t.Error("expected 'content' parameter")
	}
}

// --- MemoryReadTool ---

func TestMemoryReadTool_Execute(t *testing.T) {
	store := newTestMemoryStore(t)
	store.Append("web-chat", "first entry")
	store.Append("web-chat", "second entry")

	tool := NewMemoryReadTool(store)
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"start": float64(1),
		"end":   float64(2),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result, "first entry") || !strings.Contains(result, "second entry") {
		t.Errorf("expected both entries, got:\n%s", result)
	}
}

func TestMemoryReadTool_MissingStart(t *testing.T) {
	store := newTestMemoryStore(t)
	tool := NewMemoryReadTool(store)

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err == nil {
		t.Error("expected error for missing start")
	}
}
