package httpapi

import (
	"net/http"
	"strconv"

	"github.com/sipeed/picoclaw/pkg/cerr"
)

// handleQueueStats serves GET /api/queue/stats →
// {inbound_size, outbound_size, active_tasks, rate_limiter?}.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	metrics := s.bus.Metrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"inbound_size":  s.bus.InboundSize(),
		"outbound_size": s.bus.OutboundSize(),
		"active_tasks":  len(s.handler.ActiveSessionIDs()),
		"metrics":       metrics,
	})
}

// handleQueueCancel serves POST /api/queue/cancel {session_id} →
// {success, message}.
func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	var body struct {
		SessionID int64 `json:"session_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	ok := s.handler.CancelSession(body.SessionID)
	msg := "nothing in progress for that session"
	if ok {
		msg = "cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": ok, "message": msg})
}

// handleActiveTasks serves GET /api/queue/active-tasks →
// {active_tasks:[...], count}.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	ids := s.handler.ActiveSessionIDs()
	active := make([]string, 0, len(ids))
	for _, id := range ids {
		active = append(active, strconv.FormatInt(id, 10))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active_tasks": active, "count": len(active)})
}
