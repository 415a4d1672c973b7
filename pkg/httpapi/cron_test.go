package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sipeed/picoclaw/pkg/cronstore"
)

func TestCreateAndRunCronJob(t *testing.T) {
	s := newTestServer(t)

	every := int64(60000)
	createReq := httptest.NewRequest(http.MethodPost, "/api/cron/jobs", jsonBody(t, cronJobRequest{
		Name:     "test job",
		Schedule: cronstore.CronSchedule{Kind: "every", EveryMS: &every},
		Message:  "hi there",
		Deliver:  true,
		Channel:  "telegram",
		To:       "chat1",
	}))
	w := newRecorder()
	s.handleCronJobsCollection(w, createReq)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body=%s", w.Code, w.Body.String())
	}

	var job cronstore.CronJob
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a job id")
	}

	runReq := httptest.NewRequest(http.MethodPost, "/api/cron/jobs/"+job.ID+"/run", nil)
	runW := newRecorder()
	s.handleCronJobItem(runW, runReq)
	if runW.Code != http.StatusOK {
		t.Fatalf("run status = %d, body=%s", runW.Code, runW.Body.String())
	}

	got := s.cronStore.GetJob(job.ID)
	if got == nil || got.State.RunCount != 1 {
		t.Fatalf("expected run count 1, got %+v", got)
	}
}

func TestCreateCronJob_MissingMessage(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/cron/jobs", jsonBody(t, cronJobRequest{Name: "x"}))
	w := newRecorder()

	s.handleCronJobsCollection(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", w.Code, w.Body.String())
	}
}

func TestUpdateCronJob_BuiltinRejectsRename(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Heartbeat.Enabled = true
	s.cronStore.SyncBuiltinHeartbeatJob(s.cfg.Heartbeat)

	jobs := s.cronStore.ListJobs(true)
	var builtinID string
	for _, j := range jobs {
		if j.Builtin {
			builtinID = j.ID
		}
	}
	if builtinID == "" {
		t.Fatal("expected a builtin heartbeat job")
	}

	newName := "renamed"
	req := httptest.NewRequest(http.MethodPut, "/api/cron/jobs/"+builtinID, jsonBody(t, cronJobUpdateRequest{Name: &newName}))
	w := newRecorder()

	s.handleCronJobItem(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body=%s", w.Code, w.Body.String())
	}
}

func TestHandleCronValidate(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/cron/validate", jsonBody(t, map[string]string{"schedule": "*/5 * * * *"}))
	w := newRecorder()

	s.handleCronValidate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["valid"].(bool); !ok {
		t.Errorf("expected valid=true, got %+v", resp)
	}
}
