// Package handler implements the ingress-to-agent glue between the Bus
// and AgentLoop: mention stripping, per-sender rate limiting, slash
// commands, active-session resolution, and per-session single-flight.
package handler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/ratelimit"
	"github.com/sipeed/picoclaw/pkg/session"
)

// AgentProcessor is the slice of AgentLoop the Handler drives a turn
// through; satisfied by *agent.AgentLoop.ProcessInbound.
type AgentProcessor interface {
	ProcessInbound(ctx context.Context, msg bus.InboundMessage) (string, error)
}

const recentSessionsLimit = 10

var mentionPattern = regexp.MustCompile(`^@\S+\s*`)

// Handler consumes every non-system message off the Bus, applies the
// pre-agent pipeline, and publishes the reply (or a friendly error) back
// onto the Bus's outbound queue. System messages (subagent reports) skip
// the pipeline and go straight to the agent, which already special-cases
// them.
type Handler struct {
	bus      *bus.MessageBus
	agent    AgentProcessor
	sessions *session.Store
	limiter  *ratelimit.RateLimiter

	mu     sync.Mutex
	active map[string]string            // "channel:chat_id" -> active session name
	tasks  map[int64]context.CancelFunc // session id -> cancel of its in-flight turn
}

func New(mb *bus.MessageBus, agent AgentProcessor, sessions *session.Store, limiter *ratelimit.RateLimiter) *Handler {
	return &Handler{
		bus:      mb,
		agent:    agent,
		sessions: sessions,
		limiter:  limiter,
		active:   make(map[string]string),
		tasks:    make(map[int64]context.CancelFunc),
	}
}

// Run consumes the Bus's inbound queue until ctx is cancelled or the bus
// is closed. Each message is handled in its own goroutine; single-flight
// per session id is enforced inside handle.
func (h *Handler) Run(ctx context.Context) error {
	for {
		msg, ok := h.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		go h.handle(ctx, msg)
	}
}

func (h *Handler) handle(ctx context.Context, msg bus.InboundMessage) {
	if msg.Channel == "system" {
		if _, err := h.agent.ProcessInbound(ctx, msg); err != nil {
			logger.WarnCF("handler", "system message processing failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	content := mentionPattern.ReplaceAllString(strings.TrimSpace(msg.Content), "")

	if ok, reason := h.limiter.Check(msg.SenderID); !ok {
		h.reply(msg, reason)
		return
	}

	baseKey := fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)

	if cmd, arg, isCmd := parseCommand(content); isCmd {
		h.handleCommand(msg, baseKey, cmd, arg)
		return
	}

	sess, err := h.sessions.GetOrCreateSession(h.activeSessionName(baseKey))
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	if !h.beginTask(sess.ID, cancel) {
		h.reply(msg, "Still working on your previous message, please wait a moment.")
		return
	}
	defer h.endTask(sess.ID)

	fwd := msg
	fwd.Content = content
	fwd.SessionKey = sess.Name

	response, err := h.agent.ProcessInbound(taskCtx, fwd)
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	if response != "" {
		h.reply(msg, response)
	}
}

func (h *Handler) reply(msg bus.InboundMessage, content string) {
	h.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}

func (h *Handler) activeSessionName(baseKey string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if name, ok := h.active[baseKey]; ok {
		return name
	}
	return baseKey
}

func (h *Handler) setActiveSessionName(baseKey, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[baseKey] = name
}

// beginTask registers sessionID as busy, refusing a second concurrent
// turn for the same session.
func (h *Handler) beginTask(sessionID int64, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.tasks[sessionID]; busy {
		cancel()
		return false
	}
	h.tasks[sessionID] = cancel
	return true
}

func (h *Handler) endTask(sessionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, sessionID)
}

// stopTask cancels sessionID's in-flight turn, if any. Returns false
// when nothing was running.
func (h *Handler) stopTask(sessionID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cancel, ok := h.tasks[sessionID]
	if !ok {
		return false
	}
	cancel()
	delete(h.tasks, sessionID)
	return true
}

// ActiveSessionIDs returns the ids of sessions with an in-flight turn
// right now, for the REST /api/queue/active-tasks surface.
func (h *Handler) ActiveSessionIDs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int64, 0, len(h.tasks))
	for id := range h.tasks {
		ids = append(ids, id)
	}
	return ids
}

// CancelSession cancels sessionID's in-flight turn, if any, for the REST
// POST /api/queue/cancel surface.
func (h *Handler) CancelSession(sessionID int64) bool {
	return h.stopTask(sessionID)
}

var commandPattern = regexp.MustCompile(`^/(new|list|switch|clear|stop|help)\b\s*(.*)$`)

func parseCommand(content string) (cmd, arg string, ok bool) {
	m := commandPattern.FindStringSubmatch(content)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

func (h *Handler) handleCommand(msg bus.InboundMessage, baseKey, cmd, arg string) {
	switch cmd {
	case "new":
		h.cmdNew(msg, baseKey)
	case "list":
		h.cmdList(msg, baseKey)
	case "switch":
		h.cmdSwitch(msg, baseKey, arg)
	case "clear":
		h.cmdClear(msg, baseKey)
	case "stop":
		h.cmdStop(msg, baseKey)
	case "help":
		h.reply(msg, helpText)
	}
}

const helpText = `Available commands:
/new - start a new session
/list - list recent sessions for this chat
/switch <id> - switch to a different session
/clear - clear the active session's history
/stop - cancel the in-progress reply
/help - show this message`

func (h *Handler) cmdNew(msg bus.InboundMessage, baseKey string) {
	name := fmt.Sprintf("%s:%d", baseKey, time.Now().UnixNano())
	if _, err := h.sessions.CreateSession(name); err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	h.setActiveSessionName(baseKey, name)
	h.reply(msg, "Started a new session.")
}

// cmdList lists the most recent sessions whose name belongs to this
// chat: either exactly baseKey or one of its "/new"-created timestamped
// variants baseKey+":"+ts.
func (h *Handler) cmdList(msg bus.InboundMessage, baseKey string) {
	sessions, err := h.chatSessions(baseKey)
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	if len(sessions) == 0 {
		h.reply(msg, "No sessions yet for this chat.")
		return
	}

	active := h.activeSessionName(baseKey)
	var b strings.Builder
	b.WriteString("Recent sessions:\n")
	for _, sess := range sessions {
		marker := "  "
		if sess.Name == active {
			marker = "* "
		}
		label := sess.Summary
		if label == "" {
			label = sess.Name
		}
		fmt.Fprintf(&b, "%s[%d] %s (updated %s)\n", marker, sess.ID, label, sess.UpdatedAt.Format("2006-01-02 15:04"))
	}
	h.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) cmdSwitch(msg bus.InboundMessage, baseKey, arg string) {
	if arg == "" {
		h.reply(msg, "Usage: /switch <id>")
		return
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		h.reply(msg, "Usage: /switch <id>, where <id> is a session id from /list")
		return
	}

	sessions, err := h.chatSessions(baseKey)
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	for _, sess := range sessions {
		if sess.ID == id {
			h.setActiveSessionName(baseKey, sess.Name)
			h.reply(msg, fmt.Sprintf("Switched to session %d.", id))
			return
		}
	}
	h.reply(msg, fmt.Sprintf("No session %d found for this chat.", id))
}

func (h *Handler) cmdClear(msg bus.InboundMessage, baseKey string) {
	sess, err := h.sessions.GetOrCreateSession(h.activeSessionName(baseKey))
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	if err := h.sessions.ClearMessages(sess.ID); err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	h.reply(msg, "Session cleared.")
}

func (h *Handler) cmdStop(msg bus.InboundMessage, baseKey string) {
	sess, err := h.sessions.GetOrCreateSession(h.activeSessionName(baseKey))
	if err != nil {
		h.reply(msg, friendlyError(err))
		return
	}
	if h.stopTask(sess.ID) {
		h.reply(msg, "Stopped.")
	} else {
		h.reply(msg, "Nothing in progress.")
	}
}

// chatSessions returns, newest-updated first, every session belonging
// to baseKey (the base name itself plus any "/new"-created timestamped
// variants), capped at recentSessionsLimit.
func (h *Handler) chatSessions(baseKey string) ([]*session.Session, error) {
	all, err := h.sessions.ListSessions(0, 0)
	if err != nil {
		return nil, err
	}
	prefix := baseKey + ":"
	var matched []*session.Session
	for _, sess := range all {
		if sess.Name == baseKey || strings.HasPrefix(sess.Name, prefix) {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	if len(matched) > recentSessionsLimit {
		matched = matched[:recentSessionsLimit]
	}
	return matched, nil
}

// friendlyError maps a processing error to the short, user-facing
// vocabulary the spec requires at every outbound edge: never a stack
// trace, never raw transport text.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "balance"):
		return "Sorry, the quota or balance is exhausted. Please try again later."
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return "Sorry, the API key is invalid."
	case strings.Contains(msg, "404") || strings.Contains(msg, "model not found"):
		return "Sorry, that model is unavailable."
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length"):
		return "Sorry, the conversation is too long. Try /clear or /new."
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "Sorry, a network timeout occurred. Please try again."
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return "Sorry, a network error occurred. Please try again."
	default:
		excerpt := err.Error()
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		return "Sorry, something went wrong: " + excerpt
	}
}
