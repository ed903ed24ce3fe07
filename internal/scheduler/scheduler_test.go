package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop(context.Background())
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 5m", func() {}); err != nil {
		t.Errorf("Expected descriptor to parse, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Errorf("Expected error for invalid expression")
	}
}

func TestEveryRejectsInvalidInterval(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop(context.Background())
	if err := s.Every("fetch", 0, time.Second, func(ctx context.Context) error { return nil }); err == nil {
		t.Errorf("expected error for zero interval")
	}
}

func TestEveryFiresRepeatedly(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	if err := s.Every("fetch", time.Second, time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("ignored")
	}); err != nil {
		t.Fatalf("Every failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if runs.Load() < 2 {
		t.Errorf("expected at least 2 runs, got %d", runs.Load())
	}
}

func TestRunNowTimeoutAndStopCancel(t *testing.T) {
	s := NewScheduler(nil)
	timedOut := make(chan error, 1)
	s.RunNow("bounded", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		timedOut <- ctx.Err()
		return ctx.Err()
	})
	select {
	case err := <-timedOut:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run was not bounded by its timeout")
	}

	started := make(chan struct{})
	s.RunNow("long", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop did not cancel running job: %v", err)
	}
}

func TestRunPanicRecovered(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan struct{})
	s.RunNow("panicky", time.Second, func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})
	<-done
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
