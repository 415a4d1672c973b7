// Package session implements CountBot's persistent Session/Message store
// (§4.2) on modernc.org/sqlite, grounded on the teacher's
// memory.MemoryStore for schema-init and locking idiom and generalized
// from a single append-only table to the session/message relation the
// specification describes, including overflow summarization.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// Session is one persistent conversation thread.
type Session struct {
	ID                  int64
	Name                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Summary             string
	LastSummarizedMsgID int64
}

// Message is one turn stored for a session, carrying the same shape the
// provider wire format uses so history round-trips without conversion.
type Message struct {
	ID         int64
	SessionID  int64
	Role       string
	Content    string
	ToolCalls  []providers.ToolCall
	ToolCallID string // set for role=tool, matches the ToolCall.ID it answers
	CreatedAt  time.Time
}

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true, "tool": true}

// Store is CountBot's session/message persistence layer.
type Store struct {
	db *sql.DB
}

// Summarizer is implemented by the agent core so the store can ask an
// LLM to compress overflowed history without importing the agent package.
type Summarizer interface {
	SummarizeOverflow(ctx SummaryContext, messages []Message) (string, error)
}

// SummaryContext carries the minimal context a summarizer needs.
type SummaryContext struct {
	SessionID int64
}

// NewStore opens (creating if needed) dir/sessions.db and migrates schema.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, "sessions.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite write serialization, same posture as the teacher's memory store

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	last_summarized_msg_id INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`)
	if err != nil {
		return fmt.Errorf("migrate session db: %w", err)
	}
	_, err = s.db.Exec(`PRAGMA foreign_keys = ON`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new session and returns it.
func (s *Store) CreateSession(name string) (*Session, error) {
	now := time.Now()
	res, err := s.db.Exec(`INSERT INTO sessions (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetOrCreateSession looks up a session by its name (CountBot addresses
// sessions by a stable "channel:chatID" key rather than by numeric ID at
// the transport layer) and creates one if none exists yet.
func (s *Store) GetOrCreateSession(name string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, updated_at, summary, last_summarized_msg_id FROM sessions WHERE name = ? ORDER BY id ASC LIMIT 1`, name)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup session by name: %w", err)
	}
	return s.CreateSession(name)
}

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var sess Session
	var createdMS, updatedMS int64
	if err := row.Scan(&sess.ID, &sess.Name, &createdMS, &updatedMS, &sess.Summary, &sess.LastSummarizedMsgID); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdMS)
	sess.UpdatedAt = time.UnixMilli(updatedMS)
	return &sess, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(id int64) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, updated_at, summary, last_summarized_msg_id FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most-recently-updated first;
// limit <= 0 returns every session.
func (s *Store) ListSessions(limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(`SELECT id, name, created_at, updated_at, summary, last_summarized_msg_id
		FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession patches the name and/or summary of a session; empty
// strings are treated as "leave unchanged" since both fields are
// optional in the update request.
func (s *Store) UpdateSession(id int64, name, summary string) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", id)
	}
	if name != "" {
		sess.Name = name
	}
	if summary != "" {
		sess.Summary = summary
	}
	_, err = s.db.Exec(`UPDATE sessions SET name = ?, summary = ?, updated_at = ? WHERE id = ?`,
		sess.Name, sess.Summary, time.Now().UnixMilli(), id)
	return err
}

// DeleteSession removes a session and its messages (FK cascade).
func (s *Store) DeleteSession(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// AddMessage inserts a message and bumps the session's updated_at.
func (s *Store) AddMessage(sessionID int64, role, content string, toolCalls []providers.ToolCall) (*Message, error) {
	return s.addMessage(sessionID, role, content, toolCalls, "")
}

// AddToolResultMessage inserts a role=tool message carrying the id of the
// tool call it answers, so history replay can reconstruct a valid
// assistant/tool pairing.
func (s *Store) AddToolResultMessage(sessionID int64, toolCallID, content string) (*Message, error) {
	return s.addMessage(sessionID, "tool", content, nil, toolCallID)
}

// AddFullMessage stores a providers.Message verbatim, preserving its tool
// calls (assistant role) or tool_call_id (tool role).
func (s *Store) AddFullMessage(sessionID int64, msg providers.Message) (*Message, error) {
	return s.addMessage(sessionID, msg.Role, msg.Content, msg.ToolCalls, msg.ToolCallID)
}

func (s *Store) addMessage(sessionID int64, role, content string, toolCalls []providers.ToolCall, toolCallID string) (*Message, error) {
	if !validRoles[role] {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	now := time.Now()

	toolCallsJSON := ""
	if len(toolCalls) > 0 {
		data, err := encodeToolCalls(toolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCallsJSON = data
	}

	res, err := s.db.Exec(`INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, role, content, toolCallsJSON, toolCallID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now.UnixMilli(), sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	return &Message{ID: id, SessionID: sessionID, Role: role, Content: content, ToolCalls: toolCalls, ToolCallID: toolCallID, CreatedAt: now}, nil
}

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	var createdMS int64
	var toolCallsJSON string
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &createdMS); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdMS)
	if toolCallsJSON != "" {
		tc, err := decodeToolCalls(toolCallsJSON)
		if err != nil {
			return nil, err
		}
		m.ToolCalls = tc
	}
	return &m, nil
}

// GetMessages returns messages chronologically; when limit > 0 only the
// most recent limit messages are returned (still chronological order).
func (s *Store) GetMessages(sessionID int64, limit, offset int) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(`SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM (
			SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages
			WHERE session_id = ? ORDER BY id DESC LIMIT ? OFFSET ?
		) ORDER BY id ASC`, sessionID, limit, offset)
	} else {
		rows, err = s.db.Query(`SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages
			WHERE session_id = ? ORDER BY id ASC LIMIT -1 OFFSET ?`, sessionID, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearMessages wipes all messages for a session but keeps the session row.
func (s *Store) ClearMessages(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

// MessageCount returns the total message count for a session.
func (s *Store) MessageCount(sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// LastUserActivity returns the most recent created_at across every
// user-role message in the store, regardless of session. The bool is
// false if no user message has ever been recorded.
func (s *Store) LastUserActivity() (time.Time, bool, error) {
	var unixMS sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE role = 'user'`).Scan(&unixMS)
	if err != nil {
		return time.Time{}, false, err
	}
	if !unixMS.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(unixMS.Int64), true, nil
}

// isTrivialAck matches very short acknowledgements that add nothing to a
// summary (e.g. "ok", "好的").
func isTrivialAck(content string) bool {
	return len([]rune(strings.TrimSpace(content))) <= 8
}

// formatForSummary renders messages as "ROLE: content" lines, truncating
// each message's content and skipping trivial acks and non-conversational
// roles.
func formatForSummary(messages []*Message) []string {
	var lines []string
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" || isTrivialAck(content) {
			continue
		}
		if r := []rune(content); len(r) > 300 {
			content = string(r[:300]) + "…"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), content))
	}
	return lines
}

// SummarizeOverflow implements the §4.2 overflow-summarization algorithm.
// summarize is called with the formatted lines and must return a dense,
// first-person summary; memorize is called to persist it with source
// "auto-overflow".
func (s *Store) SummarizeOverflow(sessionID int64, maxHistory int, summarize func([]string) (string, error), memorize func(source, content string) error) error {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}

	total, err := s.MessageCount(sessionID)
	if err != nil {
		return err
	}
	if total <= maxHistory {
		return nil
	}

	overflow := total - maxHistory
	// Only the oldest `overflow` messages lie outside the history window;
	// of those, the ones past the pointer have not been summarized yet.
	rows, err := s.db.Query(`SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM (
		SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at FROM messages
		WHERE session_id = ? ORDER BY id ASC LIMIT ?
	) WHERE id > ? ORDER BY id ASC`, sessionID, overflow, sess.LastSummarizedMsgID)
	if err != nil {
		return fmt.Errorf("select overflow messages: %w", err)
	}
	var candidates []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return err
		}
		candidates = append(candidates, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	tail := candidates[len(candidates)-1].ID
	lines := formatForSummary(candidates)
	if len(lines) < 3 {
		return s.advanceSummarizedPointer(sessionID, tail)
	}

	summary, err := summarize(lines)
	if err != nil {
		logger.ErrorCF("session", "overflow summarization failed, pointer not advanced", map[string]interface{}{
			"session_id": sessionID, "error": err.Error(),
		})
		return nil
	}

	if err := memorize("auto-overflow", summary); err != nil {
		logger.ErrorCF("session", "failed to persist overflow summary, pointer not advanced", map[string]interface{}{
			"session_id": sessionID, "error": err.Error(),
		})
		return nil
	}

	return s.advanceSummarizedPointer(sessionID, tail)
}

func (s *Store) advanceSummarizedPointer(sessionID, tail int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_summarized_msg_id = ? WHERE id = ?`, tail, sessionID)
	return err
}
