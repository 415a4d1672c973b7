// Package cron implements the wake-on-next-due-job Scheduler (spec.md
// §4.10): it owns no job data itself, only the timer/semaphore/in-flight
// machinery that turns a cronstore.Store into dispatched executor calls.
package cron

import (
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/cronstore"
	"github.com/sipeed/picoclaw/pkg/logger"
)

const (
	defaultMaxConcurrent = 3
	defaultJobTimeout    = 300 * time.Second
	stopDrainTimeout     = 30 * time.Second
)

// Executor runs a due job and returns a short status string or an error.
type Executor func(job *cronstore.CronJob) (string, error)

// Scheduler drives a wake-on-next-due-job loop against a cronstore.Store:
// recompute the earliest NextRunAtMS, sleep until then (60s when no job
// is scheduled; a store mutation wakes it early), dispatch every due job
// under a counting semaphore, and persist each run's result back to the
// store.
type Scheduler struct {
	mu       sync.Mutex
	store    *cronstore.Store
	executor Executor

	maxConcurrent int
	jobTimeout    time.Duration
	inFlight      map[string]bool
	sem           chan struct{}
	runWG         sync.WaitGroup

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wakeCh  chan struct{}
}

func NewScheduler(store *cronstore.Store, executor Executor) *Scheduler {
	s := &Scheduler{
		store:         store,
		executor:      executor,
		maxConcurrent: defaultMaxConcurrent,
		jobTimeout:    defaultJobTimeout,
		inFlight:      make(map[string]bool),
		sem:           make(chan struct{}, defaultMaxConcurrent),
	}
	store.OnChange(s.wake)
	return s
}

// SetConcurrency overrides the default max-concurrent-jobs semaphore size.
func (s *Scheduler) SetConcurrency(n int) {
	if n <= 0 {
		n = defaultMaxConcurrent
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.sem = make(chan struct{}, n)
	s.mu.Unlock()
}

// SetJobTimeout overrides the default per-job execution timeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultJobTimeout
	}
	s.mu.Lock()
	s.jobTimeout = d
	s.mu.Unlock()
}

// RunNow executes job immediately, outside the normal wake cycle (the
// REST POST /api/cron/jobs/{id}/run surface), and records the result on
// the store exactly as a scheduled dispatch would. It bypasses the
// in-flight single-flight guard: an operator-requested manual run is
// allowed to overlap a currently running scheduled invocation of the
// same job.
func (s *Scheduler) RunNow(job *cronstore.CronJob) (string, error) {
	if s.executor == nil {
		return "", nil
	}
	started := time.Now().UnixMilli()
	resp, err := s.executor(job)
	status := "ok"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	s.store.RecordRun(job.ID, started, status, errMsg, resp)
	return resp, err
}

func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"jobs":    len(s.store.ListJobs(true)),
		"enabled": s.running,
	}
}

func (s *Scheduler) wake() {
	s.mu.Lock()
	ch := s.wakeCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the wake-on-next-due-job loop. Idempotent: calling Start
// while already running is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	go s.loop(stopCh, doneCh)
	return nil
}

// Stop halts the loop, waits for it to exit, then gives in-flight job runs
// up to stopDrainTimeout to finish before returning. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	drained := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(stopDrainTimeout):
		logger.WarnCF("cron", "stop timed out waiting for in-flight jobs", nil)
	}
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		delay := s.nextDelay()

		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
			continue
		case <-timer.C:
			s.runDueJobs()
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	earliest, ok := s.store.NextWakeTime()
	if !ok {
		return 60 * time.Second
	}
	now := time.Now().UnixMilli()
	delay := time.Duration(earliest-now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	return delay
}

// runDueJobs dispatches every due, not-already-running job, bounded by the
// concurrency semaphore; in-flight jobs are skipped so at most one run per
// job id is ever active at a time.
func (s *Scheduler) runDueJobs() {
	s.mu.Lock()
	due := make([]*cronstore.CronJob, 0)
	for _, j := range s.store.GetDueJobs() {
		if !s.inFlight[j.ID] {
			due = append(due, j)
			s.inFlight[j.ID] = true
		}
	}
	sem := s.sem
	s.mu.Unlock()

	for _, job := range due {
		s.runWG.Add(1)
		go func(job *cronstore.CronJob) {
			defer s.runWG.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-s.stopCh:
				s.mu.Lock()
				delete(s.inFlight, job.ID)
				s.mu.Unlock()
				return
			}
			s.runJob(job)
		}(job)
	}
}

// runJob runs a single job's executor under a soft timeout (the Executor
// contract has no context parameter, so an expiring timeout abandons the
// goroutine rather than cancelling it — the run is recorded with status
// "error" and message "job timed out", and the job leaves inFlight at once,
// so a later tick may dispatch it again while the abandoned call still runs).
func (s *Scheduler) runJob(job *cronstore.CronJob) {
	started := time.Now().UnixMilli()

	s.mu.Lock()
	timeout := s.jobTimeout
	s.mu.Unlock()

	type execResult struct {
		resp string
		err  error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		if s.executor == nil {
			resultCh <- execResult{}
			return
		}
		resp, err := s.executor(job)
		resultCh <- execResult{resp: resp, err: err}
	}()

	var status, errMsg, response string
	if s.executor == nil {
		status = "skipped"
	} else {
		select {
		case res := <-resultCh:
			if res.err != nil {
				status = "error"
				errMsg = res.err.Error()
			} else {
				status = "ok"
				response = res.resp
			}
		case <-time.After(timeout):
			status = "error"
			errMsg = "job timed out"
			logger.WarnCF("cron", "job exceeded timeout", map[string]interface{}{"job_id": job.ID, "timeout_s": timeout.Seconds()})
		}
	}

	s.mu.Lock()
	delete(s.inFlight, job.ID)
	s.mu.Unlock()

	s.store.RecordRun(job.ID, started, status, errMsg, response)
}
