package httpapi

import (
	"net/http"
	"strings"

	"github.com/sipeed/picoclaw/pkg/cerr"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// handleTasksCollection serves GET /api/tasks.
func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.subagents.ListTasks()})
}

// handleTasksStats serves GET /api/tasks/stats.
func (s *Server) handleTasksStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	counts := map[string]int{}
	for _, t := range s.subagents.ListTasks() {
		counts[t.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":       len(s.subagents.ListTasks()),
		"by_status":   counts,
	})
}

// taskIDFromPath extracts "{id}" from "/api/tasks/{id}[/delete]".
func taskIDFromPath(path string) (id, suffix string) {
	rest := strings.TrimPrefix(path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) > 1 {
		suffix = parts[1]
	}
	return id, suffix
}

// handleTaskItem serves GET/DELETE /api/tasks/{id} and
// POST /api/tasks/{id}/delete.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	id, suffix := taskIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, cerr.New(cerr.InvalidInput, "task id is required"))
		return
	}

	if suffix == "delete" && r.Method == http.MethodPost {
		s.deleteTask(w, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, ok := s.subagents.GetTask(id)
		if !ok {
			writeError(w, cerr.New(cerr.NotFound, "task not found"))
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		s.cancelTask(w, id)
	default:
		writeError(w, cerr.New(cerr.InvalidInput, "GET or DELETE required"))
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, id string) {
	err := s.subagents.Cancel(id)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case tools.ErrSubagentTaskNotFound:
		writeError(w, cerr.Wrap(cerr.NotFound, "task not found", err))
	case tools.ErrSubagentNotRunning:
		writeError(w, cerr.Wrap(cerr.InvalidInput, "task is not running", err))
	default:
		writeError(w, cerr.Wrap(cerr.ServiceUnavailable, "failed to cancel task", err))
	}
}

// deleteTask removes a terminal task's record; a still-running task
// must be cancelled first rather than deleted out from under its
// goroutine.
func (s *Server) deleteTask(w http.ResponseWriter, id string) {
	err := s.subagents.DeleteTask(id)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case tools.ErrSubagentTaskNotFound:
		writeError(w, cerr.Wrap(cerr.NotFound, "task not found", err))
	case tools.ErrSubagentNotRunning:
		writeError(w, cerr.New(cerr.InvalidInput, "cancel a running task before deleting it"))
	default:
		writeError(w, cerr.Wrap(cerr.ServiceUnavailable, "failed to delete task", err))
	}
}
