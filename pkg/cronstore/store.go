// Package cronstore implements CountBot's CronJob CRUD (spec.md §4.11)
// on modernc.org/sqlite, the same durable-storage idiom pkg/session
// uses, kept separate from pkg/cron's Scheduler: the Scheduler only
// needs GetDueJobs/RecordRun, everything else here is reached from the
// REST edge and the agent-facing cron tool.
package cronstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

const maxResponseChars = 1000

const (
	// BuiltinHeartbeatJobID is the fixed, deduplicating id of the
	// singleton proactive-greeting job (§4.11).
	BuiltinHeartbeatJobID = "builtin:heartbeat"
	// HeartbeatMessage is the payload message a cron executor recognizes
	// as "invoke the HeartbeatService instead of the agent loop".
	HeartbeatMessage = "__heartbeat__"
	// HeartbeatSchedule is the builtin heartbeat job's default schedule:
	// check once per hour on the hour, letting quiet-hours/idle/coin-flip
	// decide whether anything actually fires.
	HeartbeatSchedule = "0 * * * *"
)

// CronSchedule is one of three schedule kinds: "every" (fixed interval),
// "at" (one-shot absolute time), or "cron" (POSIX cron expression).
type CronSchedule struct {
	Kind    string `json:"kind"`
	EveryMS *int64 `json:"every_ms,omitempty"`
	AtMS    *int64 `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// CronPayload is what gets delivered or handed to the agent when a job fires.
type CronPayload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronJobState tracks run bookkeeping separately from the job definition.
type CronJobState struct {
	NextRunAtMS  *int64 `json:"next_run_at_ms"`
	LastRunAtMS  *int64 `json:"last_run_at_ms,omitempty"`
	LastStatus   string `json:"last_status,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	LastResponse string `json:"last_response,omitempty"`
	RunCount     int    `json:"run_count"`
	ErrorCount   int    `json:"error_count"`
}

// CronJob is a single scheduled job, builtin or user-created.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	Enabled        bool         `json:"enabled"`
	DeleteAfterRun bool         `json:"delete_after_run"`
	Builtin        bool         `json:"builtin"`
	CreatedAtMS    int64        `json:"created_at_ms"`
	State          CronJobState `json:"state"`
}

// JobUpdate carries the mutable fields of a cron job; nil fields are left
// unchanged. Builtin jobs reject Name/Message changes.
type JobUpdate struct {
	Name     *string
	Schedule *CronSchedule
	Message  *string
	Deliver  *bool
	Channel  *string
	To       *string
}

// Store is the CronJob CRUD surface, backed by a sqlite table. Every
// mutation calls the registered change hook (if any), which the
// Scheduler uses to re-evaluate its wake timer without Store needing to
// know anything about scheduling.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	onChange func()
}

// NewStore opens (creating if needed) dir/cronstore.db and migrates schema.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cronstore dir: %w", err)
	}
	path := filepath.Join(dir, "cronstore.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cronstore db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS cron_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule TEXT NOT NULL,
	payload TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	delete_after_run INTEGER NOT NULL,
	builtin INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL,
	state TEXT NOT NULL
)`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// OnChange registers fn to be called after every mutation (add, update,
// delete, enable/disable, run-result recording). Only one hook is kept;
// the Scheduler is the only intended caller.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) fireChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (s *Store) scanJob(row interface{ Scan(...interface{}) error }) (*CronJob, error) {
	var j CronJob
	var scheduleJSON, payloadJSON, stateJSON string
	var enabled, deleteAfterRun, builtin int
	if err := row.Scan(&j.ID, &j.Name, &scheduleJSON, &payloadJSON, &enabled, &deleteAfterRun, &builtin, &j.CreatedAtMS, &stateJSON); err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.DeleteAfterRun = deleteAfterRun != 0
	j.Builtin = builtin != 0
	_ = json.Unmarshal([]byte(scheduleJSON), &j.Schedule)
	_ = json.Unmarshal([]byte(payloadJSON), &j.Payload)
	_ = json.Unmarshal([]byte(stateJSON), &j.State)
	return &j, nil
}

const selectColumns = `id, name, schedule, payload, enabled, delete_after_run, builtin, created_at_ms, state`

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AddJob creates a new job with the given schedule, computes its initial
// NextRunAtMS, persists, and notifies the Scheduler.
func (s *Store) AddJob(name string, schedule CronSchedule, message string, deliver bool, channel, to string) (*CronJob, error) {
	now := time.Now().UnixMilli()
	job := &CronJob{
		ID:   uuid.NewString(),
		Name: name,
		Schedule: schedule,
		Payload: CronPayload{
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == "at",
		CreatedAtMS:    now,
	}
	job.State.NextRunAtMS = computeNextRun(&schedule, now)

	if err := s.insert(job); err != nil {
		return nil, err
	}
	s.fireChange()
	return job, nil
}

func (s *Store) insert(job *CronJob) error {
	_, err := s.db.Exec(
		`INSERT INTO cron_jobs (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, encodeJSON(job.Schedule), encodeJSON(job.Payload),
		boolInt(job.Enabled), boolInt(job.DeleteAfterRun), boolInt(job.Builtin),
		job.CreatedAtMS, encodeJSON(job.State),
	)
	return err
}

func (s *Store) update(job *CronJob) error {
	_, err := s.db.Exec(
		`UPDATE cron_jobs SET name=?, schedule=?, payload=?, enabled=?, delete_after_run=?, builtin=?, state=? WHERE id=?`,
		job.Name, encodeJSON(job.Schedule), encodeJSON(job.Payload),
		boolInt(job.Enabled), boolInt(job.DeleteAfterRun), boolInt(job.Builtin),
		encodeJSON(job.State), job.ID,
	)
	return err
}

// GetJob returns a job by id, or nil if it doesn't exist.
func (s *Store) GetJob(id string) *CronJob {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM cron_jobs WHERE id = ?`, id)
	job, err := s.scanJob(row)
	if err != nil {
		return nil
	}
	return job
}

// ListJobs returns all jobs if includeDisabled is true, otherwise only
// the enabled ones.
func (s *Store) ListJobs(includeDisabled bool) []*CronJob {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM cron_jobs`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	jobs := make([]*CronJob, 0)
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			continue
		}
		if includeDisabled || job.Enabled {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// RemoveJob deletes a job unconditionally (no builtin protection); use
// DeleteJob at the user-facing edge instead.
func (s *Store) RemoveJob(id string) bool {
	res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.fireChange()
	}
	return n > 0
}

// DeleteJob removes a job by id. Builtin jobs cannot be deleted — disable
// them instead via EnableJob.
func (s *Store) DeleteJob(id string) error {
	job := s.GetJob(id)
	if job == nil {
		return fmt.Errorf("cron job %q not found", id)
	}
	if job.Builtin {
		return fmt.Errorf("builtin job %q cannot be deleted", id)
	}
	if !s.RemoveJob(id) {
		return fmt.Errorf("cron job %q not found", id)
	}
	return nil
}

// EnableJob toggles a job's enabled flag, recomputing NextRunAtMS.
func (s *Store) EnableJob(id string, enabled bool) *CronJob {
	job := s.GetJob(id)
	if job == nil {
		return nil
	}
	job.Enabled = enabled
	if enabled {
		job.State.NextRunAtMS = computeNextRun(&job.Schedule, time.Now().UnixMilli())
	} else {
		job.State.NextRunAtMS = nil
	}
	if err := s.update(job); err != nil {
		return nil
	}
	s.fireChange()
	return job
}

// UpdateJob applies a partial update to an existing job, recomputing
// NextRunAtMS when the schedule changes, and notifies the Scheduler.
func (s *Store) UpdateJob(id string, upd JobUpdate) (*CronJob, error) {
	job := s.GetJob(id)
	if job == nil {
		return nil, fmt.Errorf("cron job %q not found", id)
	}
	if job.Builtin && (upd.Name != nil || upd.Message != nil) {
		return nil, fmt.Errorf("builtin job %q cannot be renamed or have its message changed", id)
	}

	if upd.Name != nil {
		job.Name = *upd.Name
	}
	if upd.Message != nil {
		job.Payload.Message = *upd.Message
	}
	if upd.Deliver != nil {
		job.Payload.Deliver = *upd.Deliver
	}
	if upd.Channel != nil {
		job.Payload.Channel = *upd.Channel
	}
	if upd.To != nil {
		job.Payload.To = *upd.To
	}
	if upd.Schedule != nil {
		job.Schedule = *upd.Schedule
		if job.Enabled {
			job.State.NextRunAtMS = computeNextRun(&job.Schedule, time.Now().UnixMilli())
		}
	}

	if err := s.update(job); err != nil {
		return nil, err
	}
	s.fireChange()
	return job, nil
}

// GetDueJobs returns enabled jobs whose NextRunAtMS has passed, ordered
// by ascending NextRunAtMS (soonest-due first).
func (s *Store) GetDueJobs() []*CronJob {
	now := time.Now().UnixMilli()
	due := make([]*CronJob, 0)
	for _, j := range s.ListJobs(true) {
		if j.Enabled && j.State.NextRunAtMS != nil && *j.State.NextRunAtMS <= now {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return *due[i].State.NextRunAtMS < *due[k].State.NextRunAtMS })
	return due
}

// NextWakeTime returns the earliest NextRunAtMS across every enabled
// job, and whether one exists at all.
func (s *Store) NextWakeTime() (int64, bool) {
	var earliest *int64
	for _, j := range s.ListJobs(false) {
		if j.State.NextRunAtMS == nil {
			continue
		}
		if earliest == nil || *j.State.NextRunAtMS < *earliest {
			earliest = j.State.NextRunAtMS
		}
	}
	if earliest == nil {
		return 0, false
	}
	return *earliest, true
}

// RecordRun persists a job's execution result: run stats, truncated
// response/error, and the recomputed NextRunAtMS (or job removal, for a
// one-shot "at" job, or disablement, if recomputation itself fails).
func (s *Store) RecordRun(jobID string, startedAtMS int64, status, errMsg, response string) {
	if len(response) > maxResponseChars {
		response = response[:maxResponseChars]
	}
	if len(errMsg) > maxResponseChars {
		errMsg = errMsg[:maxResponseChars]
	}

	job := s.GetJob(jobID)
	if job == nil {
		return
	}

	job.State.LastRunAtMS = &startedAtMS
	job.State.LastStatus = status
	job.State.LastError = errMsg
	job.State.LastResponse = response
	job.State.RunCount++
	if status == "error" {
		job.State.ErrorCount++
	}

	if job.DeleteAfterRun {
		s.RemoveJob(jobID)
		return
	}
	if job.Enabled {
		next := computeNextRun(&job.Schedule, time.Now().UnixMilli())
		if next == nil && job.Schedule.Kind == "cron" {
			job.Enabled = false
			job.State.LastError = "schedule recomputation failed, job disabled"
		}
		job.State.NextRunAtMS = next
	}
	s.update(job)
	s.fireChange()
}

// SyncBuiltinHeartbeatJob ensures the singleton builtin:heartbeat job
// exists, creating it from persona/heartbeat config defaults on first
// run. If it already exists, existing user edits to schedule/enabled/
// channel/chat_id are left untouched.
func (s *Store) SyncBuiltinHeartbeatJob(cfg config.HeartbeatConfig) {
	if s.GetJob(BuiltinHeartbeatJobID) != nil {
		return
	}

	now := time.Now().UnixMilli()
	schedule := CronSchedule{Kind: "cron", Expr: HeartbeatSchedule}
	job := &CronJob{
		ID:       BuiltinHeartbeatJobID,
		Name:     "Builtin heartbeat greeting",
		Schedule: schedule,
		Payload: CronPayload{
			Message: HeartbeatMessage,
			Deliver: true,
			Channel: cfg.Channel,
			To:      cfg.ChatID,
		},
		Enabled:     cfg.Enabled,
		Builtin:     true,
		CreatedAtMS: now,
	}
	if job.Enabled {
		job.State.NextRunAtMS = computeNextRun(&schedule, now)
	}

	if err := s.insert(job); err != nil {
		logger.ErrorCF("cronstore", "failed to create builtin heartbeat job", map[string]interface{}{"error": err.Error()})
		return
	}
	s.fireChange()
}

// ValidateSchedule reports whether expr is a well-formed POSIX cron
// expression.
func ValidateSchedule(expr string) bool {
	if expr == "" {
		return false
	}
	return gronx.IsValid(expr)
}

// CalculateNextRun returns the next instant strictly after base (or now,
// if base is zero) that expr would fire, and whether one exists.
func CalculateNextRun(expr string, base time.Time) (time.Time, bool) {
	if expr == "" {
		return time.Time{}, false
	}
	if base.IsZero() {
		base = time.Now()
	}
	next, err := gronx.NextTickAfter(expr, base, false)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// GetScheduleDescription renders a short human-readable description of a
// cron expression. It covers a few common shapes (hourly on the hour,
// daily at a fixed time, every N minutes, every N hours) and otherwise
// echoes the raw expression; day-of-week schedules are not described.
func GetScheduleDescription(expr string) string {
	if !ValidateSchedule(expr) {
		return fmt.Sprintf("invalid schedule %q", expr)
	}
	fields := splitFields(expr)
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	switch {
	case minute == "0" && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return "every hour, on the hour"
	case dom == "*" && month == "*" && dow == "*" && minute != "*" && hour != "*" && minute[0] != '*' && hour[0] != '*':
		return fmt.Sprintf("daily at %s:%s", hour, minute)
	case hour == "*" && dom == "*" && month == "*" && dow == "*" && len(minute) > 1 && minute[0] == '*' && minute[1] == '/':
		return fmt.Sprintf("every %s minutes", minute[2:])
	case minute == "*" && hour != "*" && len(hour) > 1 && hour[0] == '*' && hour[1] == '/':
		return fmt.Sprintf("every %s hours", hour[2:])
	default:
		return expr
	}
}

func splitFields(expr string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(expr); i++ {
		if i == len(expr) || expr[i] == ' ' {
			if i > start {
				fields = append(fields, expr[start:i])
			}
			start = i + 1
		}
	}
	return fields
}

// computeNextRun returns the next fire time in unix millis for a schedule,
// or nil if the schedule can never fire again (missing/zero interval, a
// past "at" time, an empty or invalid cron expression).
func computeNextRun(schedule *CronSchedule, fromMS int64) *int64 {
	switch schedule.Kind {
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := fromMS + *schedule.EveryMS
		return &next
	case "at":
		if schedule.AtMS == nil || *schedule.AtMS <= fromMS {
			return nil
		}
		at := *schedule.AtMS
		return &at
	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		from := time.UnixMilli(fromMS)
		next, err := gronx.NextTickAfter(schedule.Expr, from, false)
		if err != nil {
			logger.WarnCF("cronstore", "invalid cron expression", map[string]interface{}{"expr": schedule.Expr, "error": err.Error()})
			return nil
		}
		ms := next.UnixMilli()
		return &ms
	default:
		return nil
	}
}
