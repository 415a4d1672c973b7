package cron

import (
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/cronstore"
)

func newTestStore(t *testing.T) *cronstore.Store {
	t.Helper()
	store, err := cronstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("cronstore.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestScheduler(t *testing.T, executor Executor) (*Scheduler, *cronstore.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewScheduler(store, executor), store
}

func TestNewScheduler(t *testing.T) {
	s, store := newTestScheduler(t, nil)
	if s == nil {
		t.Fatal("expected non-nil Scheduler")
	}
	if len(store.ListJobs(true)) != 0 {
		t.Errorf("expected 0 jobs, got %d", len(store.ListJobs(true)))
	}
}

func TestStatus(t *testing.T) {
	s, store := newTestScheduler(t, nil)
	every := int64(60000)
	store.AddJob("job1", cronstore.CronSchedule{Kind: "every", EveryMS: &every}, "msg", false, "", "")

	status := s.Status()
	if status["jobs"] != 1 {
		t.Errorf("expected 1 job in status, got %v", status["jobs"])
	}
	if status["enabled"] != false {
		t.Errorf("expected enabled=false before Start, got %v", status["enabled"])
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := s.Status()
	if status["enabled"] != true {
		t.Error("expected enabled=true after Start")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("second Start should not fail: %v", err)
	}

	s.Stop()
	s.Stop() // idempotent
}

func TestDispatchesDueJob(t *testing.T) {
	executed := make(chan string, 1)
	s, store := newTestScheduler(t, func(job *cronstore.CronJob) (string, error) {
		executed <- job.ID
		return "done", nil
	})

	every := int64(30)
	job, _ := store.AddJob("due-soon", cronstore.CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case id := <-executed:
		if id != job.ID {
			t.Errorf("executed job %q, want %q", id, job.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for due job dispatch")
	}
}

func TestRunNow_ExecutesImmediatelyAndRecords(t *testing.T) {
	s, store := newTestScheduler(t, func(job *cronstore.CronJob) (string, error) {
		return "manual-run", nil
	})

	job, _ := store.AddJob("manual", cronstore.CronSchedule{Kind: "cron", Expr: "0 0 1 1 *"}, "m", false, "", "")

	resp, err := s.RunNow(job)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if resp != "manual-run" {
		t.Errorf("expected manual-run, got %q", resp)
	}

	updated := store.GetJob(job.ID)
	if updated.State.RunCount != 1 {
		t.Errorf("expected RunCount 1, got %d", updated.State.RunCount)
	}
	if updated.State.LastResponse != "manual-run" {
		t.Errorf("expected recorded response, got %q", updated.State.LastResponse)
	}
}

func TestRunDueJobs_RecordsResultViaStore(t *testing.T) {
	s, store := newTestScheduler(t, func(job *cronstore.CronJob) (string, error) {
		return "ok-response", nil
	})

	every := int64(50)
	job, _ := store.AddJob("quick", cronstore.CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		current := store.GetJob(job.ID)
		if current != nil && current.State.RunCount > 0 {
			if current.State.LastResponse != "ok-response" {
				t.Errorf("expected recorded response, got %q", current.State.LastResponse)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job run to be recorded")
}
