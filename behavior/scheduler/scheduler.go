// Runs schedule-triggered rules on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field cron expressions ("*/5 * * * *"), plus descriptors like "@hourly" and "@every 10m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

type Job struct {
	// unique per job; typically the rule id
	Key  string
	Cron string
	Run  func(ctx context.Context)
}

type Scheduler struct {
	logger  *slog.Logger
	cron    *cron.Cron
	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Replaces the full set of scheduled jobs. Jobs with invalid expressions are skipped and returned
// as errors, keyed by job key.
func (s *Scheduler) Replace(jobs []Job) map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	errs := make(map[string]error)
	for _, job := range jobs {
		if _, dupe := s.entries[job.Key]; dupe {
			errs[job.Key] = fmt.Errorf("duplicate scheduled job %q", job.Key)
			continue
		}
		run := job.Run
		id, err := s.cron.AddFunc(job.Cron, func() {
			s.mu.Lock()
			ctx := s.ctx
			s.mu.Unlock()
			run(ctx)
		})
		if err != nil {
			errs[job.Key] = fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
			continue
		}
		s.entries[job.Key] = id
	}
	scheduledJobs.Set(float64(len(s.entries)))
	s.logger.Info("scheduled jobs replaced", "count", len(s.entries), "errors", len(errs))
	return errs
}

// Next run time of a job, or false if there is no such job.
func (s *Scheduler) Next(key string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	return e.Next, e.Valid()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Starts running jobs in the background. Jobs are passed ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stops scheduling, and waits for running jobs to finish or ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduled jobs still running at shutdown")
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
