package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/utils"
)

var (
	ErrSubagentTaskNotFound = errors.New("subagent task not found")
	ErrSubagentNotRunning   = errors.New("subagent task is not running")
)

type SubagentTask struct {
	ID            string
	Task          string
	Label         string
	OriginChannel string
	OriginChatID  string
	Status        string
	Result        string
	Created       int64
	Finished      int64
}

func isTerminalSubagentStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

type SubagentManager struct {
	tasks   map[string]*SubagentTask
	cancels map[string]context.CancelFunc
	mu      sync.RWMutex

	provider  providers.LLMProvider
	model     string
	bus       *bus.MessageBus
	workspace string
	nextID    int

	maxTasks int
	ttl      time.Duration
}

func NewSubagentManager(provider providers.LLMProvider, model string, workspace string, msgBus *bus.MessageBus) *SubagentManager {
	return &SubagentManager{
		tasks:     make(map[string]*SubagentTask),
		cancels:   make(map[string]context.CancelFunc),
		provider:  provider,
		model:     model,
		bus:       msgBus,
		workspace: workspace,
		nextID:    1,
	}
}

// ConfigureRetention bounds how many terminal (completed/failed/cancelled)
// tasks are kept in memory: at most maxTasks of them, and none older than
// ttl past their Finished time. A zero value disables that dimension.
func (sm *SubagentManager) ConfigureRetention(maxTasks int, ttl time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.maxTasks = maxTasks
	sm.ttl = ttl
}

// Spawn starts a subagent task in the background and returns its task ID
// immediately. model overrides the manager's default model when non-empty.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID, model string) (string, error) {
	sm.mu.Lock()

	taskID := fmt.Sprintf("subagent-%d", sm.nextID)
	sm.nextID++

	taskCtx, cancel := context.WithCancel(ctx)

	subagentTask := &SubagentTask{
		ID:            taskID,
		Task:          task,
		Label:         label,
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		Status:        "running",
		Created:       time.Now().UnixMilli(),
	}
	sm.tasks[taskID] = subagentTask
	sm.cancels[taskID] = cancel
	sm.mu.Unlock()

	go sm.runTask(taskCtx, subagentTask, model)

	return taskID, nil
}

// Cancel requests that a running task stop. It returns ErrSubagentTaskNotFound
// or ErrSubagentNotRunning if the task can't be cancelled right now.
func (sm *SubagentManager) Cancel(taskID string) error {
	sm.mu.Lock()
	task, ok := sm.tasks[taskID]
	if !ok {
		sm.mu.Unlock()
		return ErrSubagentTaskNotFound
	}
	if task.Status != "running" {
		sm.mu.Unlock()
		return ErrSubagentNotRunning
	}
	cancel := sm.cancels[taskID]
	task.Status = "cancelling"
	sm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask, modelOverride string) {
	// Build a subagent-only tool registry.
	registry := NewToolRegistry()
	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&ListDirTool{})
	registry.Register(NewExecTool(sm.workspace))
	registry.Register(NewEditFileTool(sm.workspace))
	registry.Register(NewWebFetchTool(50000))
	// Web search requires an API key; the tool will self-report if missing.
	registry.Register(NewWebSearchTool("", 5))
	registry.Register(NewSubagentReportTool(sm.bus, task.ID, task.Label, task.OriginChannel, task.OriginChatID))

	systemPrompt := sm.buildSubagentSystemPrompt(registry)
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task.Task},
	}

	maxIterations := 10
	model := modelOverride
	if model == "" {
		model = sm.model
	}
	if model == "" {
		model = sm.provider.GetDefaultModel()
	}

	var final string
	var finalErr error

	for iteration := 1; iteration <= maxIterations; iteration++ {
		toolDefs := sm.buildProviderToolDefinitions(registry)
		logger.InfoCF("subagent", "Calling LLM",
			map[string]interface{}{
				"task_id":        task.ID,
				"iteration":      iteration,
				"model":          model,
				"messages_count": len(messages),
				"tools_count":    len(toolDefs),
			})

		resp, err := sm.provider.Chat(ctx, messages, toolDefs, model, map[string]interface{}{
			"max_tokens":  4096,
			"temperature": 0.3,
		})
		if err != nil {
			finalErr = err
			break
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}

		// Append assistant tool-call message to the conversation.
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute tool calls sequentially (keep order).
		for _, tc := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			argsPreview := utils.Truncate(string(argsJSON), 200)
			logger.InfoCF("subagent", fmt.Sprintf("Tool call: %s(%s)", tc.Name, argsPreview),
				map[string]interface{}{
					"task_id":     task.ID,
					"iteration":   iteration,
					"tool":        tc.Name,
					"tool_callID": tc.ID,
				})

			result, err := registry.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error: %v", err)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	sm.mu.Lock()
	task.Finished = time.Now().UnixMilli()
	switch {
	case task.Status == "cancelling":
		task.Status = "cancelled"
		task.Result = "Task cancelled"
	case finalErr != nil:
		task.Status = "failed"
		task.Result = fmt.Sprintf("Error: %v", finalErr)
	default:
		task.Status = "completed"
		task.Result = final
	}
	delete(sm.cancels, task.ID)
	sm.cleanupLocked(time.Now())
	sm.mu.Unlock()

	// Send completion message back to main agent.
	if sm.bus != nil {
		label := task.Label
		if label == "" {
			label = task.ID
		}
		announceContent := fmt.Sprintf("Task '%s' %s.\n\nResult:\n%s", label, task.Status, task.Result)
		sm.bus.PublishInbound(bus.InboundMessage{
			Channel:  "system",
			SenderID: fmt.Sprintf("subagent:%s", task.ID),
			// Format: "original_channel:original_chat_id" for routing back
			ChatID:  fmt.Sprintf("%s:%s", task.OriginChannel, task.OriginChatID),
			Content: announceContent,
			Metadata: map[string]string{
				"subagent_event":   "complete",
				"subagent_task_id": task.ID,
			},
		})
	}
}

// cleanupLocked removes terminal tasks beyond the configured retention
// bounds. The caller must hold sm.mu.
func (sm *SubagentManager) cleanupLocked(now time.Time) {
	if sm.ttl > 0 {
		for id, task := range sm.tasks {
			if !isTerminalSubagentStatus(task.Status) || task.Finished == 0 {
				continue
			}
			if now.Sub(time.UnixMilli(task.Finished)) > sm.ttl {
				delete(sm.tasks, id)
				delete(sm.cancels, id)
			}
		}
	}

	if sm.maxTasks > 0 {
		terminal := make([]*SubagentTask, 0)
		for _, task := range sm.tasks {
			if isTerminalSubagentStatus(task.Status) {
				terminal = append(terminal, task)
			}
		}
		excess := len(terminal) - sm.maxTasks
		if excess > 0 {
			sort.Slice(terminal, func(i, j int) bool { return terminal[i].Created < terminal[j].Created })
			for i := 0; i < excess; i++ {
				delete(sm.tasks, terminal[i].ID)
				delete(sm.cancels, terminal[i].ID)
			}
		}
	}
}

func (sm *SubagentManager) buildSubagentSystemPrompt(registry *ToolRegistry) string {
	toolsSection := ""
	summaries := registry.GetSummaries()
	if len(summaries) > 0 {
		toolsSection = "## Available Tools\n\n" +
			"**CRITICAL**: You MUST use tools to perform actions. Do NOT pretend to execute commands.\n\n" +
			"You have access to the following tools:\n\n" +
			strings.Join(summaries, "\n")
	}

	workspacePath, _ := filepath.Abs(filepath.Join(sm.workspace))

	parts := []string{
		"# countbot subagent",
		"You are a background subagent working for the main countbot agent.",
		"\nRules:",
		"1. Use tools when you need to perform an action.",
		"2. Do NOT message the end user. Use `subagent_report` to communicate with the main agent.",
		"3. When finished, provide a clear result and include any artifact file paths.",
		fmt.Sprintf("\nWorkspace: %s", workspacePath),
	}

	if toolsSection != "" {
		parts = append(parts, "\n"+toolsSection)
	}

	return strings.Join(parts, "\n")
}

func (sm *SubagentManager) buildProviderToolDefinitions(registry *ToolRegistry) []providers.ToolDefinition {
	schemas := registry.GetDefinitions()
	defs := make([]providers.ToolDefinition, 0, len(schemas))
	for _, td := range schemas {
		fn, ok := td["function"].(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]interface{})
		typeStr, _ := td["type"].(string)
		if name == "" || typeStr == "" {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: typeStr,
			Function: providers.ToolFunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return defs
}

func (sm *SubagentManager) GetTask(taskID string) (*SubagentTask, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	task, ok := sm.tasks[taskID]
	return task, ok
}

// DeleteTask removes a terminal task's record, for the REST
// POST /api/tasks/{id}/delete surface. A still-running or cancelling
// task cannot be deleted out from under its goroutine; cancel it first.
func (sm *SubagentManager) DeleteTask(taskID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	task, ok := sm.tasks[taskID]
	if !ok {
		return ErrSubagentTaskNotFound
	}
	if !isTerminalSubagentStatus(task.Status) {
		return ErrSubagentNotRunning
	}
	delete(sm.tasks, taskID)
	delete(sm.cancels, taskID)
	return nil
}

func (sm *SubagentManager) ListTasks() []*SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	tasks := make([]*SubagentTask, 0, len(sm.tasks))
	for _, task := range sm.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}
