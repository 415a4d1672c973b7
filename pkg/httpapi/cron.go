package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/cerr"
	"github.com/sipeed/picoclaw/pkg/cronstore"
)

// handleCronJobsCollection serves GET /api/cron/jobs and
// POST /api/cron/jobs.
func (s *Server) handleCronJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.cronStore.ListJobs(true)})
	case http.MethodPost:
		s.createCronJob(w, r)
	default:
		writeError(w, cerr.New(cerr.InvalidInput, "GET or POST required"))
	}
}

type cronJobRequest struct {
	Name     string               `json:"name"`
	Schedule cronstore.CronSchedule `json:"schedule"`
	Message  string               `json:"message"`
	Deliver  bool                 `json:"deliver"`
	Channel  string               `json:"channel"`
	To       string               `json:"to"`
}

func (s *Server) createCronJob(w http.ResponseWriter, r *http.Request) {
	var req cronJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	if req.Message == "" {
		writeError(w, cerr.New(cerr.InvalidInput, "message is required"))
		return
	}
	if req.Schedule.Kind == "cron" && !cronstore.ValidateSchedule(req.Schedule.Expr) {
		writeError(w, cerr.New(cerr.InvalidInput, "invalid cron expression"))
		return
	}
	job, err := s.cronStore.AddJob(req.Name, req.Schedule, req.Message, req.Deliver, req.Channel, req.To)
	if err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "failed to create job", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobIDFromPath extracts "{id}" from "/api/cron/jobs/{id}[/run]".
func jobIDFromPath(path string) (id, suffix string) {
	rest := strings.TrimPrefix(path, "/api/cron/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) > 1 {
		suffix = parts[1]
	}
	return id, suffix
}

// handleCronJobItem serves GET/PUT/DELETE /api/cron/jobs/{id} and
// POST /api/cron/jobs/{id}/run.
func (s *Server) handleCronJobItem(w http.ResponseWriter, r *http.Request) {
	id, suffix := jobIDFromPath(r.URL.Path)
	if id == "" {
		writeError(w, cerr.New(cerr.InvalidInput, "job id is required"))
		return
	}

	if suffix == "run" {
		s.runCronJobNow(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job := s.cronStore.GetJob(id)
		if job == nil {
			writeError(w, cerr.New(cerr.NotFound, "cron job not found"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodPut:
		s.updateCronJob(w, r, id)
	case http.MethodDelete:
		if err := s.cronStore.DeleteJob(id); err != nil {
			job := s.cronStore.GetJob(id)
			if job != nil && job.Builtin {
				writeError(w, cerr.New(cerr.Forbidden, "builtin job cannot be deleted"))
				return
			}
			writeError(w, cerr.Wrap(cerr.NotFound, "cron job not found", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	default:
		writeError(w, cerr.New(cerr.InvalidInput, "GET, PUT or DELETE required"))
	}
}

type cronJobUpdateRequest struct {
	Name     *string                 `json:"name"`
	Schedule *cronstore.CronSchedule `json:"schedule"`
	Message  *string                 `json:"message"`
	Deliver  *bool                   `json:"deliver"`
	Channel  *string                 `json:"channel"`
	To       *string                 `json:"to"`
	Enabled  *bool                   `json:"enabled"`
}

func (s *Server) updateCronJob(w http.ResponseWriter, r *http.Request, id string) {
	var req cronJobUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	existing := s.cronStore.GetJob(id)
	if existing == nil {
		writeError(w, cerr.New(cerr.NotFound, "cron job not found"))
		return
	}
	if existing.Builtin && (req.Name != nil || req.Message != nil) {
		writeError(w, cerr.New(cerr.Forbidden, "builtin job cannot be renamed or have its message changed"))
		return
	}

	job, err := s.cronStore.UpdateJob(id, cronstore.JobUpdate{
		Name:     req.Name,
		Schedule: req.Schedule,
		Message:  req.Message,
		Deliver:  req.Deliver,
		Channel:  req.Channel,
		To:       req.To,
	})
	if err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "failed to update job", err))
		return
	}
	if req.Enabled != nil {
		job = s.cronStore.EnableJob(id, *req.Enabled)
	}
	writeJSON(w, http.StatusOK, job)
}

// runCronJobNow serves POST /api/cron/jobs/{id}/run: fires the job
// immediately through the Scheduler's own executor, outside its normal
// wake cycle, and reports the result the same way a scheduled run would
// have recorded it.
func (s *Server) runCronJobNow(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	job := s.cronStore.GetJob(id)
	if job == nil {
		writeError(w, cerr.New(cerr.NotFound, "cron job not found"))
		return
	}
	resp, err := s.scheduler.RunNow(job)
	if err != nil {
		writeError(w, cerr.Wrap(cerr.ServiceUnavailable, "job execution failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "response": resp})
}

// handleCronValidate serves POST /api/cron/validate {schedule} →
// {valid, next_run?, description?}.
func (s *Server) handleCronValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	var body struct {
		Schedule string `json:"schedule"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	valid := cronstore.ValidateSchedule(body.Schedule)
	resp := map[string]interface{}{"valid": valid}
	if valid {
		if next, ok := cronstore.CalculateNextRun(body.Schedule, time.Time{}); ok {
			resp["next_run"] = next
		}
		resp["description"] = cronstore.GetScheduleDescription(body.Schedule)
	}
	writeJSON(w, http.StatusOK, resp)
}
