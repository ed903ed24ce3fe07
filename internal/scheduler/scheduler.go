// Package scheduler triggers periodic jobs such as fetch cycles.
//
// Runs fire on a fixed interval independently of whether the previous run has
// finished; callers that need mutual exclusion arbitrate it themselves.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a scheduled unit of work. ctx ends at the run timeout or on Stop.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	// Standard 5-field cron parser plus descriptors such as @every, with recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, logger: logger.With("component", "scheduler")}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Every runs task every interval, each run bounded by timeout.
func (s *Scheduler) Every(name string, interval, timeout time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}
	expr := fmt.Sprintf("@every %s", interval)
	job := func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.run(name, timeout, task)
	}
	if err := s.AddJob(expr, job); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.logger.Info("Job scheduled", "job", name, "interval", interval, "timeout", timeout)
	return nil
}

// RunNow runs task once in the background.
func (s *Scheduler) RunNow(name string, timeout time.Duration, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(name, timeout, task)
	}()
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	if s.ctx.Err() != nil {
		return
	}

	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", "job", name, "panic", r)
		}
	}()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Warn("Job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("Job finished", "job", name, "duration", time.Since(start))
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
