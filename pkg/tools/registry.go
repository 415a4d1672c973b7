package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Tool is the contract every agent-callable capability implements. Parameters
// returns a JSON-schema object describing the arguments Execute expects.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds the set of tools available to an agent loop, in
// registration order, plus an optional execution policy.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	policy ToolExecutionPolicy
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

func (r *ToolRegistry) SetExecutionPolicy(policy ToolExecutionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

func (r *ToolRegistry) get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Get returns a registered tool by name, for callers that need to reach a
// concrete tool's extra methods (e.g. MessageTool.SetSendCallback).
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	return r.get(name)
}

// List returns every registered tool name, in registration order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *ToolRegistry) checkPolicy(name string) error {
	r.mu.RLock()
	policy := r.policy
	r.mu.RUnlock()
	return policy.check(name)
}

// Execute runs a tool by name with no execution-context injection, after
// enforcing the registry's execution policy.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if err := r.checkPolicy(name); err != nil {
		return "", err
	}
	tool, ok := r.get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ExecuteWithContext runs a tool by name after injecting the calling
// channel/chat ID into args (so tools like message/memory_store/spawn can
// recover their origin via getExecutionContext), enforcing policy first.
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string) (string, error) {
	if err := r.checkPolicy(name); err != nil {
		return "", err
	}
	tool, ok := r.get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	traceID := getExecutionTraceID(args)
	enriched := withExecutionContext(args, channel, chatID, traceID)
	return tool.Execute(ctx, enriched)
}

// GetSummaries returns a one-line "name: description" entry per registered
// tool, in registration order, for embedding in a system prompt.
func (r *ToolRegistry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]string, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		summaries = append(summaries, fmt.Sprintf("- %s: %s", tool.Name(), tool.Description()))
	}
	return summaries
}

// GetProviderDefinitions returns every registered tool's advert in the
// provider package's typed ToolDefinition shape, ready to hand to
// LLMProvider.Chat/ChatStream.
func (r *ToolRegistry) GetProviderDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// GetDefinitions returns the OpenAI-compatible tool advert for every
// registered tool, in registration order.
func (r *ToolRegistry) GetDefinitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]map[string]interface{}, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  tool.Parameters(),
			},
		})
	}
	return defs
}
