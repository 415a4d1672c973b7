// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/tools"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// AgentLoop drives one user turn through up to maxIterations LLM+tool
// cycles (§4.7). It owns the tool registry, the session store, and the
// optional long-term memory file, and is shared by every transport
// adapter, the cron executor, and the CLI.
type AgentLoop struct {
	bus              *bus.MessageBus
	provider         providers.LLMProvider
	workspace        string
	model            string
	contextWindow    int // Maximum context window size in tokens
	maxIterations    int
	llmTimeout       time.Duration // Per-LLM-call timeout (0 = disabled)
	toolTimeout      time.Duration // Per-tool-call timeout (0 = disabled)
	maxParallelTools int           // Max concurrent tools per iteration (<=0 = unlimited)
	sessions         *session.Store
	contextBuilder   *ContextBuilder
	tools            *tools.ToolRegistry
	running          atomic.Bool
	summarizing      sync.Map            // Tracks which sessions are currently being summarized
	statusDelay      time.Duration       // Delay before sending "still working" status updates (0 = disabled)
	memoryStore      *memory.MemoryStore // Searchable memory file (nil = disabled)
}

// processOptions configures how a message is processed
type processOptions struct {
	SessionKey      string // Session identifier for history/context
	Channel         string // Target channel for tool execution
	ChatID          string // Target chat ID for tool execution
	UserMessage     string // User message content (may include prefix)
	Media           []string
	DefaultResponse string // Response when LLM returns empty
	EnableSummary   bool   // Whether to trigger summarization
	SendResponse    bool   // Whether to send response via bus
}

// NewAgentLoop wires up the tool registry (filesystem, shell, web,
// messaging, subagent, memory), the session store, and the context
// builder from config, ready to process turns via Run or ProcessDirect*.
func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider) *AgentLoop {
	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0755)

	toolsRegistry := tools.NewToolRegistry()
	registerCoreTools(toolsRegistry, cfg, workspace, provider, msgBus)

	memoryDir := filepath.Join(workspace, "memory")
	memoryStore, err := memory.NewMemoryStore(memoryDir)
	if err != nil {
		logger.WarnCF("agent", "Memory store unavailable, memory tools disabled", map[string]interface{}{"error": err.Error()})
		memoryStore = nil
	} else {
		toolsRegistry.Register(tools.NewMemorySearchTool(memoryStore))
		toolsRegistry.Register(tools.NewMemoryStoreTool(memoryStore))
		toolsRegistry.Register(tools.NewMemoryReadTool(memoryStore))
		toolsRegistry.Register(tools.NewMemoryRecentTool(memoryStore))
		toolsRegistry.Register(tools.NewMemoryDeleteTool(memoryStore))
	}

	sessionsStore, err := session.NewStore(filepath.Join(workspace, "sessions"))
	if err != nil {
		logger.ErrorCF("agent", "Session store unavailable", map[string]interface{}{"error": err.Error()})
	}

	contextBuilder := NewContextBuilder(cfg.Persona)
	contextBuilder.SetToolsRegistry(toolsRegistry)
	contextBuilder.SetMemoryStore(memoryStore)

	return &AgentLoop{
		bus:              msgBus,
		provider:         provider,
		workspace:        workspace,
		model:            cfg.Agents.Defaults.Model,
		contextWindow:    cfg.Agents.Defaults.MaxTokens,
		maxIterations:    cfg.Agents.Defaults.MaxToolIterations,
		llmTimeout:       time.Duration(cfg.Agents.Defaults.LLMTimeoutSeconds) * time.Second,
		toolTimeout:      time.Duration(cfg.Agents.Defaults.ToolTimeoutSeconds) * time.Second,
		maxParallelTools: cfg.Agents.Defaults.MaxParallelToolCalls,
		sessions:         sessionsStore,
		contextBuilder:   contextBuilder,
		tools:            toolsRegistry,
		summarizing:      sync.Map{},
		statusDelay:      30 * time.Second,
		memoryStore:      memoryStore,
	}
}

// registerCoreTools registers every tool a top-level (non-subagent) turn
// may use: filesystem, shell, web, messaging, subagent spawning, and
// reminder scheduling is added separately once the cron service exists.
func registerCoreTools(reg *tools.ToolRegistry, cfg *config.Config, workspace string, provider providers.LLMProvider, msgBus *bus.MessageBus) {
	reg.Register(&tools.ReadFileTool{})
	reg.Register(&tools.WriteFileTool{})
	reg.Register(&tools.ListDirTool{})

	execTool := tools.NewExecTool(workspace)
	execTool.SetRestrictToWorkspace(cfg.Tools.Security.RestrictToWorkspace)
	if cfg.Tools.Security.CommandWhitelistEnabled {
		if err := execTool.SetAllowPatterns(cfg.Tools.Security.CommandWhitelist); err != nil {
			logger.WarnCF("agent", "Invalid command whitelist, exec tool left unrestricted by pattern", map[string]interface{}{"error": err.Error()})
		}
	}
	reg.Register(execTool)
	reg.Register(tools.NewEditFileTool(workspace))

	reg.Register(tools.NewWebFetchTool(cfg.Tools.Web.FetchMaxChars))
	reg.Register(tools.NewWebSearchTool(cfg.Tools.Web.Search.APIKey, cfg.Tools.Web.Search.MaxResults))

	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string, media []string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
			Media:   media,
		})
		return nil
	})
	reg.Register(messageTool)
	reg.Register(tools.NewSendMediaTool(msgBus))

	subagentManager := tools.NewSubagentManager(provider, cfg.Agents.Defaults.Model, workspace, msgBus)
	subagentManager.ConfigureRetention(200, 24*time.Hour)
	reg.Register(tools.NewSpawnTool(subagentManager))
}

func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)

	for al.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := al.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}

			response, err := al.processMessage(ctx, msg)
			if err != nil {
				response = fmt.Sprintf("Error processing message: %v", err)
			}

			if response != "" {
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: response,
				})
			}
		}
	}

	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) RegisterTool(tool tools.Tool) {
	al.tools.Register(tool)
}

// ProcessDirect runs a turn outside any transport, addressing the result
// at the "cli" channel/"direct" chat (used by cmd/countbot-cli).
func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

// ProcessDirectWithChannel runs one turn synchronously and returns the
// final assistant text. This is the exact signature pkg/tools/cron.go's
// AgentExecutor interface depends on, and is also used by the cron
// CronExecutor wiring to run a scheduled job's message through the agent.
func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:    channel,
		SenderID:   "cron",
		ChatID:     chatID,
		SessionKey: sessionKey, // processMessage falls back to channel:chatID when empty
		Content:    content,
	}

	return al.processMessage(ctx, msg)
}

// ProcessInbound runs one already-dequeued InboundMessage through the
// same routing processMessage uses internally (system-message vs
// regular turn). It exists so pkg/handler can do its own
// mention-stripping/rate-limit/slash-command/session-resolution pass in
// front of the Bus and still hand the result to exactly the logic Run
// would have used, without also owning Run's ConsumeInbound loop.
func (al *AgentLoop) ProcessInbound(ctx context.Context, msg bus.InboundMessage) (string, error) {
	return al.processMessage(ctx, msg)
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	preview := utils.Truncate(msg.Content, 80)
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, preview),
		map[string]interface{}{
			"channel":   msg.Channel,
			"chat_id":   msg.ChatID,
			"sender_id": msg.SenderID,
		})

	if msg.Channel == "system" {
		return al.processSystemMessage(ctx, msg)
	}

	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)
	}
	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      sessionKey,
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		UserMessage:     msg.Content,
		Media:           msg.Media,
		DefaultResponse: "I've completed processing but have no response to give.",
		EnableSummary:   true,
		SendResponse:    false,
	})
}

// processSystemMessage routes a subagent's report back to the origin
// session. Internal progress/note/warning events are stored silently;
// everything else is folded into a normal turn addressed to the user.
func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if msg.Channel != "system" {
		return "", fmt.Errorf("processSystemMessage called with non-system message channel: %s", msg.Channel)
	}

	logger.InfoCF("agent", "Processing system message",
		map[string]interface{}{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})

	var originChannel, originChatID string
	if idx := strings.Index(msg.ChatID, ":"); idx > 0 {
		originChannel = msg.ChatID[:idx]
		originChatID = msg.ChatID[idx+1:]
	} else {
		originChannel = "cli"
		originChatID = msg.ChatID
	}

	sessionKey := fmt.Sprintf("%s:%s", originChannel, originChatID)

	if strings.HasPrefix(msg.SenderID, "subagent:") {
		event := ""
		if msg.Metadata != nil {
			event = msg.Metadata["subagent_event"]
		}

		switch event {
		case "progress", "note", "warning":
			sess, err := al.sessions.GetOrCreateSession(sessionKey)
			if err != nil {
				logger.WarnCF("agent", "Could not resolve session for subagent update", map[string]interface{}{"error": err.Error()})
				return "", nil
			}
			internal := fmt.Sprintf("[Internal: %s] %s", msg.SenderID, msg.Content)
			al.sessions.AddMessage(sess.ID, "assistant", internal, nil)
			logger.InfoCF("agent", "Stored subagent update (internal)",
				map[string]interface{}{
					"session_key": sessionKey,
					"event":       event,
					"sender_id":   msg.SenderID,
				})
			return "", nil
		}
	}

	_, err := al.runAgentLoop(ctx, processOptions{
		SessionKey:      sessionKey,
		Channel:         originChannel,
		ChatID:          originChatID,
		UserMessage:     fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
		DefaultResponse: "Background task completed.",
		EnableSummary:   false,
		SendResponse:    true,
	})
	if err != nil {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: originChannel,
			ChatID:  originChatID,
			Content: fmt.Sprintf("Error processing background task: %v", err),
		})
	}
	return "", nil
}

// runAgentLoop is the core message processing logic: context building,
// LLM calls, tool execution, persistence, and response handling.
func (al *AgentLoop) runAgentLoop(ctx context.Context, opts processOptions) (string, error) {
	al.updateToolContexts(opts.Channel, opts.ChatID)

	sess, err := al.sessions.GetOrCreateSession(opts.SessionKey)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	history, err := al.sessions.GetMessages(sess.ID, al.historyLimit(), 0)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	messages := al.contextBuilder.BuildMessages(history, sess.Summary, opts.UserMessage, opts.Media)

	al.sessions.AddMessage(sess.ID, "user", opts.UserMessage, nil)

	finalContent, iteration, err := al.runLLMIteration(ctx, messages, opts, sess.ID)
	if err != nil {
		return "", err
	}

	if finalContent == "" {
		finalContent = opts.DefaultResponse
	}

	al.sessions.AddMessage(sess.ID, "assistant", finalContent, nil)

	if opts.EnableSummary {
		al.maybeSummarize(opts.SessionKey, sess.ID)
	}

	if opts.SendResponse {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: opts.Channel,
			ChatID:  opts.ChatID,
			Content: finalContent,
		})
	}

	responsePreview := utils.Truncate(finalContent, 120)
	logger.InfoCF("agent", fmt.Sprintf("Response: %s", responsePreview),
		map[string]interface{}{
			"session_key":  opts.SessionKey,
			"iterations":   iteration,
			"final_length": len(finalContent),
		})

	return finalContent, nil
}

// historyLimit bounds how many prior messages are loaded per turn; message
// budgeting (providers.ApplyMessageBudget) further trims by character
// count once the provider's context window is known.
func (al *AgentLoop) historyLimit() int {
	return 60
}

// runLLMIteration executes the LLM call loop with tool handling.
// Returns the final content, iteration count, and any error.
func (al *AgentLoop) runLLMIteration(ctx context.Context, messages []providers.Message, opts processOptions, sessionID int64) (string, int, error) {
	iteration := 0
	var finalContent string
	exhausted := true

	for iteration < al.maxIterations {
		iteration++

		providerToolDefs := al.tools.GetProviderDefinitions()

		budget := providers.BudgetFromContextWindow(al.contextWindow)
		budgeted, stats := providers.ApplyMessageBudget(messages, budget)
		if stats.Changed() {
			logger.DebugCF("agent", "Applied message budget",
				map[string]interface{}{
					"iteration":          iteration,
					"input_messages":     stats.InputMessages,
					"output_messages":    stats.OutputMessages,
					"truncated_messages": stats.TruncatedMessages,
					"dropped_messages":   stats.DroppedMessages,
				})
		}

		logger.InfoCF("agent", "Calling LLM",
			map[string]interface{}{
				"iteration":      iteration,
				"model":          al.model,
				"messages_count": len(budgeted),
				"tools_count":    len(providerToolDefs),
			})

		response, err := al.chatWithTimeout(ctx, budgeted, providerToolDefs, map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		})
		if err != nil {
			logger.ErrorCF("agent", "LLM call failed",
				map[string]interface{}{"iteration": iteration, "error": err.Error()})
			return "", iteration, fmt.Errorf("LLM call failed: %w", err)
		}

		if len(response.ToolCalls) == 0 {
			finalContent = response.Content
			exhausted = false
			logger.InfoCF("agent", "LLM response without tool calls (direct answer)",
				map[string]interface{}{"iteration": iteration, "content_chars": len(finalContent)})
			break
		}

		toolNames := make([]string, 0, len(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			toolNames = append(toolNames, tc.Name)
		}
		logger.InfoCF("agent", "LLM requested tool calls",
			map[string]interface{}{"tools": toolNames, "count": len(toolNames), "iteration": iteration})

		assistantMsg := providers.AssistantMessageFromResponse(response)
		messages = append(messages, assistantMsg)
		al.sessions.AddFullMessage(sessionID, assistantMsg)

		toolResults := al.executeToolsConcurrently(ctx, response.ToolCalls, iteration, opts)
		for _, tr := range toolResults {
			messages = append(messages, tr)
			al.sessions.AddFullMessage(sessionID, tr)
		}
	}

	if exhausted {
		logger.WarnCF("agent", "Tool iteration limit reached, requesting summary",
			map[string]interface{}{"iterations": iteration, "max": al.maxIterations})

		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "You've reached your tool call iteration limit. Please summarize what you've accomplished so far and what still needs to be done. The user can tell you to continue.",
		})

		response, err := al.chatWithTimeout(ctx, messages, nil, map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		})
		if err != nil {
			logger.ErrorCF("agent", "Summary call failed after iteration limit", map[string]interface{}{"error": err.Error()})
			finalContent = fmt.Sprintf("I reached my tool call limit (%d iterations) before finishing. Ask me to continue and I'll pick up where I left off.", al.maxIterations)
		} else {
			finalContent = response.Content
		}
	}

	return finalContent, iteration, nil
}

// executeToolsConcurrently runs the iteration's tool calls through the
// registry's bounded-parallelism executor, wiring status.go's periodic
// "still working" notifier into the per-tool completion callback.
func (al *AgentLoop) executeToolsConcurrently(ctx context.Context, toolCalls []providers.ToolCall, iteration int, opts processOptions) []providers.Message {
	n := len(toolCalls)
	sendProgress := opts.Channel != "system"

	var notifier *statusNotifier
	if al.statusDelay > 0 && sendProgress {
		notifier = newStatusNotifier(al.bus, opts.Channel, opts.ChatID, al.statusDelay)
		notifier.start(fmt.Sprintf("%d tools", n))
		defer notifier.stop()
	}

	return al.tools.ExecuteToolCalls(ctx, toolCalls, tools.ExecuteToolCallsOptions{
		Channel:      opts.Channel,
		ChatID:       opts.ChatID,
		Timeout:      al.toolTimeout,
		MaxParallel:  al.maxParallelTools,
		LogComponent: "agent",
		Iteration:    iteration,
		OnToolComplete: func(completed, total int, idx int, call providers.ToolCall, result providers.Message) {
			if notifier != nil {
				notifier.reset(call.Name)
			}
			if sendProgress && total > 1 {
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel: opts.Channel,
					ChatID:  opts.ChatID,
					Content: fmt.Sprintf("%s done (%d/%d)", call.Name, completed, total),
				})
			}
		},
	})
}

func (al *AgentLoop) chatWithTimeout(
	ctx context.Context,
	messages []providers.Message,
	toolDefs []providers.ToolDefinition,
	options map[string]interface{},
) (*providers.LLMResponse, error) {
	return providers.ChatWithTimeout(ctx, al.llmTimeout, al.provider, messages, toolDefs, al.model, options)
}

// updateToolContexts updates the context for tools that need channel/chatID info.
func (al *AgentLoop) updateToolContexts(channel, chatID string) {
	if tool, ok := al.tools.Get("message"); ok {
		if mt, ok := tool.(*tools.MessageTool); ok {
			mt.SetContext(channel, chatID)
		}
	}
	if tool, ok := al.tools.Get("spawn"); ok {
		if st, ok := tool.(*tools.SpawnTool); ok {
			st.SetContext(channel, chatID)
		}
	}
}

// maybeSummarize triggers summarization if the session history exceeds
// thresholds. When contextWindow is configured, compaction triggers at
// 75% token usage; otherwise it falls back to a message count heuristic.
func (al *AgentLoop) maybeSummarize(sessionKey string, sessionID int64) {
	count, err := al.sessions.MessageCount(sessionID)
	if err != nil {
		return
	}

	var shouldSummarize bool
	if al.contextWindow > 0 {
		history, err := al.sessions.GetMessages(sessionID, al.historyLimit(), 0)
		if err != nil {
			return
		}
		tokenEstimate := al.estimateTokens(history)
		threshold := al.contextWindow * 75 / 100
		shouldSummarize = tokenEstimate > threshold
	} else {
		shouldSummarize = count > 20
	}

	if shouldSummarize {
		if _, loading := al.summarizing.LoadOrStore(sessionKey, true); !loading {
			go func() {
				defer al.summarizing.Delete(sessionKey)
				al.summarizeSession(sessionID)
			}()
		}
	}
}

// GetStartupInfo returns information about loaded tools for logging.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	info := make(map[string]interface{})

	names := al.tools.List()
	info["tools"] = map[string]interface{}{
		"count": len(names),
		"names": names,
	}

	return info
}

// summarizeSession folds all but the last 4 messages of a session's
// history into its rolling summary, extracting notable long-term
// memories from the compacted span along the way.
func (al *AgentLoop) summarizeSession(sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	al.sessions.SummarizeOverflow(sessionID, 4,
		func(lines []string) (string, error) {
			return al.summarizeLines(ctx, lines)
		},
		func(source, content string) error {
			if al.memoryStore == nil {
				return nil
			}
			_, err := al.memoryStore.Append(source, content)
			return err
		},
	)

	history, err := al.sessions.GetMessages(sessionID, 0, 0)
	if err == nil {
		al.extractAndStoreMemories(ctx, toProviderMessages(history))
	}
}

func toProviderMessages(history []*session.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// summarizeLines summarizes a batch of "ROLE: content" lines, splitting
// into two halves and merging when the batch is large.
func (al *AgentLoop) summarizeLines(ctx context.Context, lines []string) (string, error) {
	if len(lines) > 20 {
		mid := len(lines) / 2
		s1, _ := al.summarizeBatch(ctx, lines[:mid])
		s2, _ := al.summarizeBatch(ctx, lines[mid:])

		mergePrompt := fmt.Sprintf("Merge these two conversation summaries into one cohesive summary:\n\n1: %s\n\n2: %s", s1, s2)
		resp, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: mergePrompt}}, nil, al.model, map[string]interface{}{
			"max_tokens":  1024,
			"temperature": 0.3,
		})
		if err != nil {
			return s1 + " " + s2, nil
		}
		return resp.Content, nil
	}
	return al.summarizeBatch(ctx, lines)
}

func (al *AgentLoop) summarizeBatch(ctx context.Context, lines []string) (string, error) {
	prompt := "Provide a concise summary of this conversation segment, preserving core context and key points.\n\nCONVERSATION:\n" + strings.Join(lines, "\n")
	response, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// estimateTokens estimates the number of tokens in a message list using
// a flat 4-chars-per-token heuristic.
func (al *AgentLoop) estimateTokens(messages []*session.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}
