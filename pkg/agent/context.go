package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// ContextBuilder composes the system prompt and assembles the message list
// handed to the LLM for a turn: persona fields, the tool catalog, recent
// memory, and the current local date/time, followed by prior session
// history (or its rolling summary) and the new user turn.
type ContextBuilder struct {
	persona     config.PersonaConfig
	toolsReg    *tools.ToolRegistry
	memoryStore *memory.MemoryStore
	recentLines int
}

// NewContextBuilder builds a ContextBuilder from persona config. The tools
// registry and memory store are wired in afterward through
// SetToolsRegistry and SetMemoryStore.
func NewContextBuilder(persona config.PersonaConfig) *ContextBuilder {
	return &ContextBuilder{persona: persona, recentLines: 10}
}

func (cb *ContextBuilder) SetToolsRegistry(reg *tools.ToolRegistry) {
	cb.toolsReg = reg
}

func (cb *ContextBuilder) SetMemoryStore(store *memory.MemoryStore) {
	cb.memoryStore = store
}

// personalityLine renders the persona's personality/custom_personality
// pair into a single descriptive clause.
func (cb *ContextBuilder) personalityLine() string {
	p := cb.persona
	if p.Personality == "custom" && p.CustomPersonality != "" {
		return p.CustomPersonality
	}
	switch p.Personality {
	case "friendly":
		return "warm, casual, and encouraging"
	case "playful":
		return "lighthearted and a little playful"
	default:
		return "professional and to the point"
	}
}

// buildSystemPrompt composes the deterministic system prompt: persona
// fields, tool catalog, recent memory, and the current local date/time.
func (cb *ContextBuilder) buildSystemPrompt() string {
	var sb strings.Builder

	name := cb.persona.AIName
	if name == "" {
		name = "Assistant"
	}
	userName := cb.persona.UserName
	if userName == "" {
		userName = "the user"
	}

	fmt.Fprintf(&sb, "You are %s, a personal AI assistant for %s.", name, userName)
	if addr := cb.persona.UserAddress; addr != "" {
		fmt.Fprintf(&sb, " Address them as %s.", addr)
	}
	fmt.Fprintf(&sb, " Your tone is %s.\n\n", cb.personalityLine())

	sb.WriteString("You have access to tools for reading/writing files, running shell commands, ")
	sb.WriteString("fetching and searching the web, sending messages and media, delegating background ")
	sb.WriteString("work to subagents, scheduling reminders, and reading/writing a persistent memory file. ")
	sb.WriteString("Use them when they help answer the request; do not narrate that you are about to use a tool.\n\n")

	if cb.toolsReg != nil {
		summaries := cb.toolsReg.GetSummaries()
		if len(summaries) > 0 {
			sb.WriteString("Available tools:\n")
			sb.WriteString(strings.Join(summaries, "\n"))
			sb.WriteString("\n\n")
		}
	}

	if cb.memoryStore != nil {
		if recent, err := cb.memoryStore.GetRecent(cb.recentLines); err == nil {
			recent = strings.TrimSpace(recent)
			if recent != "" && recent != "Memory is empty." {
				sb.WriteString("Recent memory:\n")
				sb.WriteString(recent)
				sb.WriteString("\n\n")
			}
		}
	}

	fmt.Fprintf(&sb, "Current date/time: %s.\n", time.Now().Format("2006-01-02 15:04:05 Monday"))

	return sb.String()
}

// BuildMessages assembles the full message list for one LLM turn: a fresh
// system prompt, the session's rolling summary (if any) folded in as a
// system note, prior history, and the new user turn.
func (cb *ContextBuilder) BuildMessages(history []*session.Message, summary, userMessage string, media []string) []providers.Message {
	messages := []providers.Message{{Role: "system", Content: cb.buildSystemPrompt()}}

	if strings.TrimSpace(summary) != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + summary,
		})
	}

	for _, m := range history {
		messages = append(messages, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: toolCallIDForRole(m),
		})
	}

	userTurn := userMessage
	if len(media) > 0 {
		userTurn += fmt.Sprintf("\n[attached media: %s]", strings.Join(media, ", "))
	}
	messages = append(messages, providers.Message{Role: "user", Content: userTurn})

	return messages
}

// toolCallIDForRole recovers the tool_call_id a stored tool-role message
// needs on replay so the provider can pair it back to the assistant's
// original tool call.
func toolCallIDForRole(m *session.Message) string {
	return m.ToolCallID
}
