package cursor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type countingTerminator struct {
	calls int
	err   error
}

func (c *countingTerminator) TerminateFetchers(ctx context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func TestLockTimeout(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{60 * time.Second, 210 * time.Second},
		{4 * time.Minute, 450 * time.Second},
		{2 * time.Minute, 210 * time.Second},
		{10 * time.Minute, 1170 * time.Second},
	}
	for _, tt := range tests {
		if got := LockTimeout(tt.interval); got != tt.want {
			t.Errorf("LockTimeout(%v) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestFetchLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			// Two workers sharing one store instance
			s1 := NewStore(b.kv)
			s2 := NewStore(b.kv)

			var wg sync.WaitGroup
			results := make([]bool, 2)
			start := make(chan struct{})
			for i, s := range []*Store{s1, s2} {
				wg.Add(1)
				go func(i int, s *Store) {
					defer wg.Done()
					<-start
					ok, err := s.TryAcquireFetchLock(ctx)
					if err != nil {
						t.Errorf("TryAcquireFetchLock failed: %v", err)
					}
					results[i] = ok
				}(i, s)
			}
			close(start)
			wg.Wait()

			if results[0] == results[1] {
				t.Fatalf("expected exactly one acquirer, got %v", results)
			}

			if err := s1.ReleaseFetchLock(ctx); err != nil {
				t.Fatalf("ReleaseFetchLock failed: %v", err)
			}
			if err := s1.ReleaseFetchLock(ctx); err != nil {
				t.Errorf("releasing twice should be idempotent: %v", err)
			}
			ok, err := s2.TryAcquireFetchLock(ctx)
			if err != nil || !ok {
				t.Errorf("lock should be acquirable after release, got %v, %v", ok, err)
			}
		})
	}
}

func TestReclaimStaleLockAfterTimeout(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			holder := NewStore(b.kv, WithLockTimeout(210*time.Second))
			if ok, err := holder.TryAcquireFetchLock(ctx); err != nil || !ok {
				t.Fatalf("initial acquire = %v, %v", ok, err)
			}

			b.advance(211 * time.Second)

			other := NewStore(b.kv, WithLockTimeout(210*time.Second))
			ok, err := other.ReclaimStaleLockIfExpired(ctx)
			if err != nil || !ok {
				t.Fatalf("ReclaimStaleLockIfExpired = %v, %v; want true", ok, err)
			}
			// Reclaimer now holds it: a third caller must not get it.
			if ok, _ := NewStore(b.kv).TryAcquireFetchLock(ctx); ok {
				t.Errorf("lock should be held by the reclaimer")
			}
		})
	}
}

func TestReclaimStaleLockWithoutExpiry(t *testing.T) {
	// A lock that lost its TTL (e.g. written by a foreign tool) is judged by its timestamp.
	clock := newFakeClock()
	kv := NewMemoryKV(clock.Now)
	ctx := context.Background()

	stamp := clock.Now().Add(-300 * time.Second).Unix()
	kv.Set(ctx, FetchLockKey, strconv.FormatInt(stamp, 10), 0)

	term := &countingTerminator{}
	s := NewStore(kv, WithClock(clock.Now), WithLockTimeout(210*time.Second), WithTerminator(term))

	if ok, _ := s.TryAcquireFetchLock(ctx); ok {
		t.Fatalf("lock should appear held")
	}
	ok, err := s.ReclaimStaleLockIfExpired(ctx)
	if err != nil || !ok {
		t.Fatalf("ReclaimStaleLockIfExpired = %v, %v; want true", ok, err)
	}
	if term.calls != 1 {
		t.Errorf("expected terminator to run once, ran %d times", term.calls)
	}

	age, exists, err := s.LockAge(ctx)
	if err != nil || !exists || age != 0 {
		t.Errorf("LockAge after reclaim = %v, %v, %v; want 0, true", age, exists, err)
	}
}

func TestFreshLockIsNeverReclaimed(t *testing.T) {
	clock := newFakeClock()
	kv := NewMemoryKV(clock.Now)
	ctx := context.Background()

	term := &countingTerminator{}
	holder := NewStore(kv, WithClock(clock.Now), WithLockTimeout(210*time.Second))
	other := NewStore(kv, WithClock(clock.Now), WithLockTimeout(210*time.Second), WithTerminator(term))

	if ok, _ := holder.TryAcquireFetchLock(ctx); !ok {
		t.Fatalf("initial acquire failed")
	}
	clock.Advance(209 * time.Second)

	ok, err := other.ReclaimStaleLockIfExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimStaleLockIfExpired failed: %v", err)
	}
	if ok {
		t.Errorf("fresh lock must not be reclaimed")
	}
	if term.calls != 0 {
		t.Errorf("terminator must not run for a fresh lock")
	}
}

func TestReclaimContinuesWhenTerminatorFails(t *testing.T) {
	clock := newFakeClock()
	kv := NewMemoryKV(clock.Now)
	ctx := context.Background()
	kv.Set(ctx, FetchLockKey, "garbage", 0)

	term := &countingTerminator{err: errors.New("no process table")}
	s := NewStore(kv, WithClock(clock.Now), WithTerminator(term))
	ok, err := s.ReclaimStaleLockIfExpired(ctx)
	if err != nil || !ok {
		t.Errorf("reclaim should succeed despite terminator failure, got %v, %v", ok, err)
	}
}

func TestCursorMonotonicity(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := NewStore(b.kv)
			if _, ok, err := s.LastProcessed(ctx, "C"); err != nil || ok {
				t.Fatalf("new channel should have no cursor, got ok=%v err=%v", ok, err)
			}

			last := int64(0)
			for _, id := range []int64{100, 103, 102, 90, 103, 110} {
				if _, err := s.AdvanceCursor(ctx, "C", id); err != nil {
					t.Fatalf("AdvanceCursor(%d) failed: %v", id, err)
				}
				got, ok, err := s.LastProcessed(ctx, "C")
				if err != nil || !ok {
					t.Fatalf("LastProcessed failed: %v", err)
				}
				if got < last {
					t.Fatalf("cursor regressed from %d to %d", last, got)
				}
				last = got
			}
			if last != 110 {
				t.Errorf("expected final cursor 110, got %d", last)
			}
		})
	}
}

func TestCursorsReportUpdateTime(t *testing.T) {
	clock := newFakeClock()
	kv := NewMemoryKV(clock.Now)
	ctx := context.Background()
	s := NewStore(kv, WithClock(clock.Now), WithCursorTTL(time.Hour))

	written := clock.Now()
	if _, err := s.AdvanceCursor(ctx, "A", 42); err != nil {
		t.Fatalf("AdvanceCursor failed: %v", err)
	}
	clock.Advance(10 * time.Minute)

	cursors, err := s.Cursors(ctx, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Cursors failed: %v", err)
	}
	if len(cursors) != 2 {
		t.Fatalf("expected 2 cursors, got %d", len(cursors))
	}
	a, b := cursors[0], cursors[1]
	if a.ChannelID != "A" || a.LastMessageID == nil || *a.LastMessageID != 42 {
		t.Errorf("unexpected cursor %+v", a)
	}
	if !a.UpdatedAt.Equal(written) {
		t.Errorf("UpdatedAt = %v, want %v", a.UpdatedAt, written)
	}
	if b.ChannelID != "B" || b.LastMessageID != nil || !b.UpdatedAt.IsZero() {
		t.Errorf("channel without cursor should be unknown, got %+v", b)
	}
}

func TestFetchLockState(t *testing.T) {
	clock := newFakeClock()
	kv := NewMemoryKV(clock.Now)
	ctx := context.Background()
	s := NewStore(kv, WithClock(clock.Now), WithLockTimeout(450*time.Second))

	if st, err := s.FetchLock(ctx); err != nil || st.Held {
		t.Fatalf("FetchLock before acquire = %+v, %v", st, err)
	}
	if ok, err := s.TryAcquireFetchLock(ctx); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	clock.Advance(100 * time.Second)

	st, err := s.FetchLock(ctx)
	if err != nil {
		t.Fatalf("FetchLock failed: %v", err)
	}
	if !st.Held || st.Age != 100*time.Second || st.Remaining != 350*time.Second {
		t.Errorf("unexpected lock state %+v", st)
	}
}

func TestMarkProcessedIsAClaim(t *testing.T) {
	ctx := context.Background()
	for _, b := range testBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := NewStore(b.kv, WithDedupTTL(24*time.Hour))

			if seen, _ := s.IsProcessed(ctx, "C", 101); seen {
				t.Fatalf("message should not be marked yet")
			}
			first, err := s.MarkProcessed(ctx, "C", 101)
			if err != nil || !first {
				t.Fatalf("first MarkProcessed = %v, %v", first, err)
			}
			second, err := s.MarkProcessed(ctx, "C", 101)
			if err != nil || second {
				t.Fatalf("second MarkProcessed = %v, %v; want false", second, err)
			}
			if seen, _ := s.IsProcessed(ctx, "C", 101); !seen {
				t.Errorf("message should be marked")
			}
			if seen, _ := s.IsProcessed(ctx, "D", 101); seen {
				t.Errorf("markers must be per channel")
			}

			b.advance(25 * time.Hour)
			if seen, _ := s.IsProcessed(ctx, "C", 101); seen {
				t.Errorf("marker should expire after the dedup TTL")
			}
		})
	}
}

func TestMaintainPurgesSQLBackend(t *testing.T) {
	clock := newFakeClock()
	kv := newTestSQLiteKV(t, clock)
	s := NewStore(kv, WithDedupTTL(time.Minute))
	ctx := context.Background()

	s.MarkProcessed(ctx, "C", 1)
	clock.Advance(2 * time.Minute)
	if err := s.Maintain(ctx); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if err := NewStore(NewMemoryKV(nil)).Maintain(ctx); err != nil {
		t.Errorf("Maintain on a backend without purge should be a no-op: %v", err)
	}
}
