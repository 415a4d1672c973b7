package session

import (
	"strings"
	"testing"

	"github.com/sipeed/picoclaw/pkg/providers"
)

func TestCreateSession(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	sess, err := store.CreateSession("web-chat")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == 0 {
		t.Fatal("expected non-zero session id")
	}
	if sess.Name != "web-chat" {
		t.Errorf("expected name 'web-chat', got %q", sess.Name)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, err := store.GetSession(999)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Fatal("expected nil for missing session")
	}
}

func TestAddMessage_InvalidRole(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	if _, err := store.AddMessage(sess.ID, "narrator", "hello", nil); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestAddMessage_AndGetMessages(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	store.AddMessage(sess.ID, "user", "hello", nil)
	store.AddMessage(sess.ID, "assistant", "hi there", nil)

	msgs, err := store.GetMessages(sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "hi there" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestAddMessage_PersistsToolCalls(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	toolCalls := []providers.ToolCall{
		{ID: "call_1", Type: "function", Function: &providers.FunctionCall{Name: "exec", Arguments: `{"command":"ls"}`}},
	}
	store.AddMessage(sess.ID, "assistant", "Let me check that.", toolCalls)

	msgs, _ := store.GetMessages(sess.ID, 0, 0)
	if len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msgs[0].ToolCalls))
	}
	if msgs[0].ToolCalls[0].Function.Name != "exec" {
		t.Errorf("unexpected tool call: %+v", msgs[0].ToolCalls[0])
	}
}

func TestGetMessages_LimitReturnsChronological(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	for i := 0; i < 10; i++ {
		store.AddMessage(sess.ID, "user", "message", nil)
	}

	msgs, err := store.GetMessages(sess.ID, 3, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID >= msgs[1].ID || msgs[1].ID >= msgs[2].ID {
		t.Fatal("expected chronological order")
	}
}

func TestClearMessages(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	store.AddMessage(sess.ID, "user", "hello", nil)

	if err := store.ClearMessages(sess.ID); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	count, _ := store.MessageCount(sess.ID)
	if count != 0 {
		t.Errorf("expected 0 messages, got %d", count)
	}
}

func TestUpdateSession(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("old-name")
	if err := store.UpdateSession(sess.ID, "new-name", "a summary"); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, _ := store.GetSession(sess.ID)
	if got.Name != "new-name" || got.Summary != "a summary" {
		t.Errorf("unexpected session after update: %+v", got)
	}
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	store.AddMessage(sess.ID, "user", "hello", nil)

	if err := store.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	count, err := store.MessageCount(sess.ID)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected messages cascade-deleted, got %d", count)
	}
}

func TestListSessions_OrderedByRecentlyUpdated(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	s1, _ := store.CreateSession("first")
	_, _ = store.CreateSession("second")
	store.AddMessage(s1.ID, "user", "touch first", nil) // bumps s1's updated_at to the latest

	sessions, err := store.ListSessions(10, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != s1.ID {
		t.Errorf("expected most recently updated session first, got %+v", sessions[0])
	}
}

func TestSummarizeOverflow_BelowThreshold_NoOp(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	for i := 0; i < 5; i++ {
		store.AddMessage(sess.ID, "user", "hello there friend", nil)
	}

	called := false
	err := store.SummarizeOverflow(sess.ID, 10, func([]string) (string, error) {
		called = true
		return "", nil
	}, func(string, string) error { return nil })
	if err != nil {
		t.Fatalf("SummarizeOverflow failed: %v", err)
	}
	if called {
		t.Fatal("expected no summarization below threshold")
	}
}

func TestSummarizeOverflow_TooFewSummarizable_AdvancesPointerOnly(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	for i := 0; i < 12; i++ {
		store.AddMessage(sess.ID, "user", "ok", nil) // trivial ack, filtered from summary lines
	}

	called := false
	err := store.SummarizeOverflow(sess.ID, 10, func([]string) (string, error) {
		called = true
		return "summary", nil
	}, func(string, string) error { return nil })
	if err != nil {
		t.Fatalf("SummarizeOverflow failed: %v", err)
	}
	if called {
		t.Fatal("expected summarize not called when fewer than 3 summarizable messages")
	}

	got, _ := store.GetSession(sess.ID)
	if got.LastSummarizedMsgID == 0 {
		t.Fatal("expected pointer advanced even without summarization")
	}
}

func TestSummarizeOverflow_Summarizes(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	for i := 0; i < 25; i++ {
		store.AddMessage(sess.ID, "user", "tell me something substantial about the trip", nil)
	}

	var memorized string
	err := store.SummarizeOverflow(sess.ID, 10, func(lines []string) (string, error) {
		if len(lines) == 0 {
			t.Fatal("expected non-empty summary lines")
		}
		return "user planned a trip", nil
	}, func(source, content string) error {
		if source != "auto-overflow" {
			t.Errorf("expected source 'auto-overflow', got %q", source)
		}
		memorized = content
		return nil
	})
	if err != nil {
		t.Fatalf("SummarizeOverflow failed: %v", err)
	}
	if memorized != "user planned a trip" {
		t.Errorf("expected memorized summary, got %q", memorized)
	}

	got, _ := store.GetSession(sess.ID)
	if got.LastSummarizedMsgID == 0 {
		t.Fatal("expected last_summarized_msg_id advanced")
	}

	// Second call with no new messages is a no-op.
	called := false
	store.SummarizeOverflow(sess.ID, 10, func([]string) (string, error) {
		called = true
		return "", nil
	}, func(string, string) error { return nil })
	if called {
		t.Fatal("expected no-op when nothing new to summarize")
	}
}

func TestSummarizeOverflow_FailureDoesNotAdvancePointer(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	defer store.Close()

	sess, _ := store.CreateSession("key")
	for i := 0; i < 20; i++ {
		store.AddMessage(sess.ID, "user", "a fairly long and substantial message here", nil)
	}

	err := store.SummarizeOverflow(sess.ID, 10, func([]string) (string, error) {
		return "", errBoom
	}, func(string, string) error { return nil })
	if err != nil {
		t.Fatalf("SummarizeOverflow should swallow summarizer errors, got: %v", err)
	}

	got, _ := store.GetSession(sess.ID)
	if got.LastSummarizedMsgID != 0 {
		t.Error("expected pointer not advanced on summarizer failure")
	}
}

func TestFormatForSummary_SkipsTrivialAcksAndNonConversationalRoles(t *testing.T) {
	msgs := []*Message{
		{Role: "user", Content: "ok"},
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: "user", Content: "tell me about the quarterly roadmap in detail"},
	}
	lines := formatForSummary(msgs)
	if len(lines) != 1 {
		t.Fatalf("expected 1 summarizable line, got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "USER:") {
		t.Errorf("unexpected line: %q", lines[0])
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (e *boomErr) Error() string { return "summarizer boom" }
