package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/memory"
)

// MemorySearchTool searches the line-indexed memory file by keyword.
type MemorySearchTool struct {
	store *memory.MemoryStore
}

func NewMemorySearchTool(store *memory.MemoryStore) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string {
	return "memory_search"
}

func (t *MemorySearchTool) Description() string {
	return "Search stored memories using keyword search. Returns matching lines with their line numbers. Use this to recall user preferences, past facts, or previous events."
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Space-separated keywords to search for",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum number of results (default 5)",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"description": "'or' (any keyword matches, default) or 'and' (all keywords must match)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}

	limit := 5
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	mode := "or"
	if m, ok := args["mode"].(string); ok && m != "" {
		mode = m
	}

	keywords := strings.Fields(query)
	result, err := t.store.Search(keywords, limit, mode)
	if err != nil {
		return fmt.Sprintf("Search error: %v", err), nil
	}
	return result, nil
}

// MemoryStoreTool appends a new line to the memory file.
type MemoryStoreTool struct {
	store  *memory.MemoryStore
	source string
}

// NewMemoryStoreTool builds a store tool that tags appended lines with
// source, the channel the memory came from (defaults to "agent").
func NewMemoryStoreTool(store *memory.MemoryStore) *MemoryStoreTool {
	return &MemoryStoreTool{store: store, source: "agent"}
}

// WithSource overrides the source tag recorded for appended lines.
func (t *MemoryStoreTool) WithSource(source string) *MemoryStoreTool {
	t.source = source
	return t
}

func (t *MemoryStoreTool) Name() string {
	return "memory_store"
}

func (t *MemoryStoreTool) Description() string {
	return "Store a new memory. Use this to remember user preferences, important facts, or notable events. Memories are searchable and persist across sessions."
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The memory content to store, as a single self-contained fact",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	content, ok := args["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("content is required")
	}

	source := t.source
	if source == "" {
		source = "agent"
	}
	ctxChannel, _ := getExecutionContext(args)
	if ctxChannel != "" {
		source = ctxChannel
	}

	line, err := t.store.Append(source, content)
	if err != nil {
		return fmt.Sprintf("Failed to store memory: %v", err), nil
	}

	return fmt.Sprintf("Memory stored at line %d (source=%s)", line, source), nil
}

// MemoryReadTool reads a range of lines from the memory file.
type MemoryReadTool struct {
	store *memory.MemoryStore
}

func NewMemoryReadTool(store *memory.MemoryStore) *MemoryReadTool {
	return &MemoryReadTool{store: store}
}

func (t *MemoryReadTool) Name() string { return "memory_read" }

func (t *MemoryReadTool) Description() string {
	return "Read a range of lines from the memory file by line number. Use memory_search first to find which lines to read, or memory_recent to browse recent entries."
}

func (t *MemoryReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"start": map[string]interface{}{
				"type":        "number",
				"description": "First line number to read (1-indexed)",
			},
			"end": map[string]interface{}{
				"type":        "number",
				"description": "Last line number to read, inclusive (defaults to start)",
			},
		},
		"required": []string{"start"},
	}
}

func (t *MemoryReadTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	startF, ok := args["start"].(float64)
	if !ok {
		return "", fmt.Errorf("start is required")
	}
	end := 0
	if e, ok := args["end"].(float64); ok {
		end = int(e)
	}
	return t.store.ReadLines(int(startF), end)
}

// MemoryRecentTool returns the most recently appended memory lines.
type MemoryRecentTool struct {
	store *memory.MemoryStore
}

func NewMemoryRecentTool(store *memory.MemoryStore) *MemoryRecentTool {
	return &MemoryRecentTool{store: store}
}

func (t *MemoryRecentTool) Name() string { return "memory_recent" }
func (t *MemoryRecentTool) Description() string {
	return "Browse the most recently stored memories, newest last."
}
func (t *MemoryRecentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"n": map[string]interface{}{
				"type":        "number",
				"description": "Number of recent lines to return (default 10)",
			},
		},
	}
}

func (t *MemoryRecentTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	n := 10
	if v, ok := args["n"].(float64); ok && v > 0 {
		n = int(v)
	}
	return t.store.GetRecent(n)
}

// MemoryDeleteTool removes specific lines from the memory file by number.
type MemoryDeleteTool struct {
	store *memory.MemoryStore
}

func NewMemoryDeleteTool(store *memory.MemoryStore) *MemoryDeleteTool {
	return &MemoryDeleteTool{store: store}
}

func (t *MemoryDeleteTool) Name() string { return "memory_delete" }
func (t *MemoryDeleteTool) Description() string {
	return "Delete one or more memory lines by line number (e.g. when a stored fact is outdated or wrong)."
}
func (t *MemoryDeleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"lines": map[string]interface{}{
				"type":        "string",
				"description": "Comma-separated line numbers or ranges to delete, e.g. '3,7-9'",
			},
		},
		"required": []string{"lines"},
	}
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	spec, ok := args["lines"].(string)
	if !ok || strings.TrimSpace(spec) == "" {
		return "", fmt.Errorf("lines is required")
	}
	lineNumbers, err := memory.ParseLineNumbers(spec)
	if err != nil {
		return fmt.Sprintf("Invalid line spec: %v", err), nil
	}
	deleted, err := t.store.DeleteLines(lineNumbers)
	if err != nil {
		return fmt.Sprintf("Delete failed: %v", err), nil
	}
	return fmt.Sprintf("Deleted %d line(s)", deleted), nil
}
