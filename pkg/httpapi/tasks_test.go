package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitForTerminal(t *testing.T, s *Server, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := s.subagents.GetTask(id)
		if ok && (task.Status == "completed" || task.Status == "failed" || task.Status == "cancelled") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
}

func TestTasksCollectionAndDelete(t *testing.T) {
	s := newTestServer(t)

	id, err := s.subagents.Spawn(context.Background(), "do a thing", "label", "cli", "direct", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForTerminal(t, s, id)

	listReq := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	listW := newRecorder()
	s.handleTasksCollection(listW, listReq)
	if listW.Code != http.StatusOK {
		t.Fatalf("list status = %d", listW.Code)
	}

	delReq := httptest.NewRequest(http.MethodPost, "/api/tasks/"+id+"/delete", nil)
	delW := newRecorder()
	s.handleTaskItem(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body=%s", delW.Code, delW.Body.String())
	}

	if _, ok := s.subagents.GetTask(id); ok {
		t.Error("expected task to be gone after delete")
	}
}

func TestDeleteTask_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/nope/delete", nil)
	w := newRecorder()

	s.handleTaskItem(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body=%s", w.Code, w.Body.String())
	}
}

func TestTasksStats(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/stats", nil)
	w := newRecorder()

	s.handleTasksStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
}
