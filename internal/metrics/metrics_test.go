package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

func TestRecordCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.RecordCycle(&models.CycleSummary{
		StartedAt:                start,
		FinishedAt:               start.Add(3 * time.Second),
		Outcome:                  models.CycleCompleted,
		Degraded:                 true,
		MessagesEmitted:          4,
		MessagesSkippedDuplicate: 2,
		MessagesSkippedOld:       1,
		MessagesDropped:          3,
		ErrorsByChannel:          map[string]string{"news": "timeout"},
	})
	c.RecordCycle(&models.CycleSummary{StartedAt: start, FinishedAt: start, Outcome: models.CycleSkippedLockHeld})

	if v := testutil.ToFloat64(c.cycles.WithLabelValues("completed")); v != 1 {
		t.Errorf("completed cycles = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.cycles.WithLabelValues("skipped_lock_held")); v != 1 {
		t.Errorf("skipped cycles = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.messages.WithLabelValues("emitted")); v != 4 {
		t.Errorf("emitted = %v, want 4", v)
	}
	if v := testutil.ToFloat64(c.messages.WithLabelValues("duplicate")); v != 2 {
		t.Errorf("duplicate = %v, want 2", v)
	}
	if v := testutil.ToFloat64(c.messages.WithLabelValues("dropped")); v != 3 {
		t.Errorf("dropped = %v, want 3", v)
	}
	if v := testutil.ToFloat64(c.channelErrors.WithLabelValues("news")); v != 1 {
		t.Errorf("channel errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.degradedCycles); v != 1 {
		t.Errorf("degraded = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.lastSuccess); v != float64(start.Add(3*time.Second).Unix()) {
		t.Errorf("last success = %v", v)
	}
}

func TestClassificationAndDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveClassification(models.Classification{Verdict: models.VerdictSignificant, Source: "keyword"})
	c.HandoffDropped()
	c.HandoffDropped()

	if v := testutil.ToFloat64(c.classifications.WithLabelValues("significant", "keyword")); v != 1 {
		t.Errorf("classifications = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.handoffDrops); v != 2 {
		t.Errorf("drops = %v, want 2", v)
	}
}

func TestWatchSessionServesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	WatchSession(reg, func() session.State {
		return session.State{
			Status:         session.StatusRateLimited,
			RateLimitUntil: time.Now().Add(time.Hour),
		}
	})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `channelpipe_session_status{status="rate_limited"} 1`) {
		t.Errorf("expected rate_limited status gauge, got:\n%s", body)
	}
	if !strings.Contains(string(body), `channelpipe_session_status{status="connected"} 0`) {
		t.Errorf("expected connected gauge at 0")
	}
	if !strings.Contains(string(body), "channelpipe_session_rate_limit_remaining_seconds") {
		t.Errorf("expected rate limit gauge")
	}
}
