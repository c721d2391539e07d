// Package scheduler runs the housekeeping jobs: reminder sweeps, the daily
// archive flush, and working-set retention. Jobs run on a shared cron in UTC
// so partition days and flush hours line up with the archive keys.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is one named housekeeping task. The context is the scheduler's run
// context; jobs should return promptly when it is cancelled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type jobState struct {
	LastRunAt  time.Time `json:"last_run_at"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	jobs   []Job
	states map[string]*jobState
	cron   *rcron.Cron
	cancel context.CancelFunc
	runCtx context.Context
}

func NewService(jobs ...Job) *Service {
	return &Service{jobs: jobs, states: make(map[string]*jobState)}
}

// Start registers every job and starts the cron. A job that fails to parse
// is reported immediately rather than silently never running.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.cron = rcron.New(rcron.WithLocation(time.UTC))

	for _, job := range s.jobs {
		job := job
		s.states[job.Name] = &jobState{}
		if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
			cancel()
			return fmt.Errorf("register job %s (%q): %w", job.Name, job.Spec, err)
		}
	}

	s.cron.Start()
	log.Printf("[scheduler] started with %d jobs", len(s.jobs))
	return nil
}

func (s *Service) execute(job Job) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] job %s panicked: %v\n%s", job.Name, r, debug.Stack())
			s.record(job.Name, fmt.Errorf("panic: %v", r))
		}
	}()

	err := job.Run(ctx)
	s.record(job.Name, err)
	if err != nil {
		log.Printf("[scheduler] job %s failed: %v", job.Name, err)
	}
}

func (s *Service) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return
	}
	st.LastRunAt = time.Now().UTC()
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
	}
}

// RunNow executes a named job out of schedule, for forced flushes and tests.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			found = &s.jobs[i]
			break
		}
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("job %s not found", name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := found.Run(ctx)
	s.record(name, err)
	return err
}

// Stop cancels the run context and waits briefly for in-flight jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	c := s.cron
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[scheduler] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[scheduler] stopped")
}
