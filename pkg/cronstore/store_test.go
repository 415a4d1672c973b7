package cronstore

import (
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddJob_Every(t *testing.T) {
	s := newTestStore(t)
	every := int64(60000)
	job, err := s.AddJob("ping", CronSchedule{Kind: "every", EveryMS: &every}, "hi", true, "telegram", "chat1")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.State.NextRunAtMS == nil {
		t.Fatal("expected NextRunAtMS to be set")
	}
	if job.DeleteAfterRun {
		t.Error("every-schedule jobs should not delete after run")
	}
}

func TestAddJob_AtPast(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour).UnixMilli()
	job, err := s.AddJob("once", CronSchedule{Kind: "at", AtMS: &past}, "hi", false, "", "")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.State.NextRunAtMS != nil {
		t.Error("expected a past at-time to yield no next run")
	}
	if !job.DeleteAfterRun {
		t.Error("at-schedule jobs should delete after run")
	}
}

func TestAddJob_Cron(t *testing.T) {
	s := newTestStore(t)
	job, err := s.AddJob("hourly", CronSchedule{Kind: "cron", Expr: "0 * * * *"}, "hi", false, "", "")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.State.NextRunAtMS == nil {
		t.Fatal("expected NextRunAtMS to be computed for a valid cron expr")
	}
}

func TestRemoveJob(t *testing.T) {
	s := newTestStore(t)
	every := int64(1000)
	job, _ := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")

	if !s.RemoveJob(job.ID) {
		t.Fatal("expected removal to succeed")
	}
	if s.GetJob(job.ID) != nil {
		t.Error("expected job to be gone")
	}
}

func TestRemoveJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	if s.RemoveJob("nope") {
		t.Error("expected removal of unknown job to fail")
	}
}

func TestEnableJob(t *testing.T) {
	s := newTestStore(t)
	every := int64(1000)
	job, _ := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")

	disabled := s.EnableJob(job.ID, false)
	if disabled == nil || disabled.Enabled {
		t.Fatal("expected job to be disabled")
	}
	if disabled.State.NextRunAtMS != nil {
		t.Error("expected NextRunAtMS cleared when disabled")
	}

	enabled := s.EnableJob(job.ID, true)
	if enabled == nil || !enabled.Enabled {
		t.Fatal("expected job to be enabled")
	}
	if enabled.State.NextRunAtMS == nil {
		t.Error("expected NextRunAtMS recomputed when re-enabled")
	}
}

func TestEnableJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	if s.EnableJob("nope", true) != nil {
		t.Error("expected nil for unknown job")
	}
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	every := int64(1000)
	a, _ := s.AddJob("a", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")
	b, _ := s.AddJob("b", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")
	s.EnableJob(b.ID, false)

	enabledOnly := s.ListJobs(false)
	if len(enabledOnly) != 1 || enabledOnly[0].ID != a.ID {
		t.Errorf("expected only enabled job a, got %+v", enabledOnly)
	}

	all := s.ListJobs(true)
	if len(all) != 2 {
		t.Errorf("expected both jobs with includeDisabled, got %d", len(all))
	}
}

func TestUpdateJob_ChangesScheduleAndRecomputesNextRun(t *testing.T) {
	s := newTestStore(t)
	every := int64(60000)
	job, err := s.AddJob("ping", CronSchedule{Kind: "every", EveryMS: &every}, "hi", true, "telegram", "chat1")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	newEvery := int64(120000)
	updated, err := s.UpdateJob(job.ID, JobUpdate{Schedule: &CronSchedule{Kind: "every", EveryMS: &newEvery}})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Schedule.EveryMS == nil || *updated.Schedule.EveryMS != newEvery {
		t.Errorf("schedule not updated: %+v", updated.Schedule)
	}
	if updated.State.NextRunAtMS == nil {
		t.Fatal("expected NextRunAtMS to be recomputed")
	}
}

func TestUpdateJob_BuiltinRejectsRenameAndMessageChange(t *testing.T) {
	s := newTestStore(t)
	s.SyncBuiltinHeartbeatJob(config.HeartbeatConfig{Enabled: true})

	newName := "renamed"
	if _, err := s.UpdateJob(BuiltinHeartbeatJobID, JobUpdate{Name: &newName}); err == nil {
		t.Error("expected error renaming builtin job")
	}
	newMsg := "not a heartbeat"
	if _, err := s.UpdateJob(BuiltinHeartbeatJobID, JobUpdate{Message: &newMsg}); err == nil {
		t.Error("expected error changing builtin job message")
	}

	newChannel := "discord"
	updated, err := s.UpdateJob(BuiltinHeartbeatJobID, JobUpdate{Channel: &newChannel})
	if err != nil {
		t.Fatalf("expected channel update to succeed: %v", err)
	}
	if updated.Payload.Channel != "discord" {
		t.Errorf("channel = %q, want discord", updated.Payload.Channel)
	}
}

func TestDeleteJob_RejectsBuiltin(t *testing.T) {
	s := newTestStore(t)
	s.SyncBuiltinHeartbeatJob(config.HeartbeatConfig{Enabled: true})

	if err := s.DeleteJob(BuiltinHeartbeatJobID); err == nil {
		t.Error("expected error deleting builtin job")
	}
	if s.GetJob(BuiltinHeartbeatJobID) == nil {
		t.Error("builtin job should still exist")
	}
}

func TestDeleteJob_RemovesRegularJob(t *testing.T) {
	s := newTestStore(t)
	every := int64(1000)
	job, _ := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")

	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if s.GetJob(job.ID) != nil {
		t.Error("expected job to be removed")
	}
}

func TestGetDueJobs_OrdersBySoonestFirst(t *testing.T) {
	s := newTestStore(t)
	past1 := time.Now().Add(-2 * time.Minute).UnixMilli()
	past2 := time.Now().Add(-1 * time.Minute).UnixMilli()

	j1, _ := s.AddJob("later", CronSchedule{Kind: "at", AtMS: &past1}, "m1", false, "", "")
	j1.State.NextRunAtMS = &past2
	s.update(j1)

	j3, _ := s.AddJob("sooner", CronSchedule{Kind: "at", AtMS: &past1}, "m2", false, "", "")
	j3.State.NextRunAtMS = &past1
	s.update(j3)

	due := s.GetDueJobs()
	if len(due) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(due))
	}
	if due[0].ID != j3.ID {
		t.Errorf("expected soonest-due job first, got %s", due[0].ID)
	}
}

func TestValidateSchedule(t *testing.T) {
	if !ValidateSchedule("0 * * * *") {
		t.Error("expected valid schedule to validate")
	}
	if ValidateSchedule("not a cron expr") {
		t.Error("expected invalid schedule to fail validation")
	}
	if ValidateSchedule("") {
		t.Error("expected empty schedule to fail validation")
	}
}

func TestCalculateNextRun(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, ok := CalculateNextRun("0 * * * *", base)
	if !ok {
		t.Fatal("expected a next run time")
	}
	if next.Hour() != 11 || next.Minute() != 0 {
		t.Errorf("next = %v, want 11:00", next)
	}

	if _, ok := CalculateNextRun("", base); ok {
		t.Error("expected no next run for empty expression")
	}
}

func TestGetScheduleDescription(t *testing.T) {
	cases := map[string]string{
		"0 * * * *":  "every hour, on the hour",
		"30 9 * * *": "daily at 9:30",
		"not valid":  `invalid schedule "not valid"`,
	}
	for expr, want := range cases {
		got := GetScheduleDescription(expr)
		if got != want {
			t.Errorf("GetScheduleDescription(%q) = %q, want %q", expr, got, want)
		}
	}
}

func TestSyncBuiltinHeartbeatJob_CreatesOnce(t *testing.T) {
	s := newTestStore(t)
	s.SyncBuiltinHeartbeatJob(config.HeartbeatConfig{Enabled: true, Channel: "telegram", ChatID: "chat1"})

	job := s.GetJob(BuiltinHeartbeatJobID)
	if job == nil {
		t.Fatal("expected builtin heartbeat job to be created")
	}
	if job.Payload.Message != HeartbeatMessage {
		t.Errorf("message = %q, want %q", job.Payload.Message, HeartbeatMessage)
	}
	if !job.Builtin {
		t.Error("expected Builtin = true")
	}

	newChannel := "discord"
	s.UpdateJob(BuiltinHeartbeatJobID, JobUpdate{Channel: &newChannel})
	s.SyncBuiltinHeartbeatJob(config.HeartbeatConfig{Enabled: true, Channel: "telegram", ChatID: "chat1"})

	jobs := s.ListJobs(true)
	count := 0
	for _, j := range jobs {
		if j.ID == BuiltinHeartbeatJobID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 builtin job after re-sync, got %d", count)
	}
	if got := s.GetJob(BuiltinHeartbeatJobID).Payload.Channel; got != "discord" {
		t.Errorf("re-sync should not clobber user edit, channel = %q", got)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	every := int64(5000)
	job, err := s1.AddJob("persisted", CronSchedule{Kind: "every", EveryMS: &every}, "hi", true, "telegram", "c1")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen NewStore: %v", err)
	}
	defer s2.Close()

	reloaded := s2.GetJob(job.ID)
	if reloaded == nil {
		t.Fatal("expected job to survive reopen")
	}
	if reloaded.Name != "persisted" || reloaded.Payload.Message != "hi" {
		t.Errorf("reloaded job mismatch: %+v", reloaded)
	}
}

func TestNextWakeTime(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.NextWakeTime(); ok {
		t.Error("expected no wake time with no jobs")
	}

	far := int64(1000)
	near := int64(500)
	s.AddJob("far", CronSchedule{Kind: "every", EveryMS: &far}, "m", false, "", "")
	s.AddJob("near", CronSchedule{Kind: "every", EveryMS: &near}, "m", false, "", "")

	wake, ok := s.NextWakeTime()
	if !ok {
		t.Fatal("expected a wake time")
	}
	if wake <= 0 {
		t.Error("expected a positive wake time")
	}
}

func TestOnChange_FiresOnMutation(t *testing.T) {
	s := newTestStore(t)
	fired := 0
	s.OnChange(func() { fired++ })

	every := int64(1000)
	job, _ := s.AddJob("x", CronSchedule{Kind: "every", EveryMS: &every}, "m", false, "", "")
	if fired != 1 {
		t.Errorf("expected OnChange after AddJob, fired = %d", fired)
	}

	s.EnableJob(job.ID, false)
	if fired != 2 {
		t.Errorf("expected OnChange after EnableJob, fired = %d", fired)
	}

	s.RemoveJob(job.ID)
	if fired != 3 {
		t.Errorf("expected OnChange after RemoveJob, fired = %d", fired)
	}
}
