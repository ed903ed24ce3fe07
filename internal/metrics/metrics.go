// Package metrics exposes Prometheus metrics for fetch cycles, the
// classification hand-off and the session guard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/ChannelPipe/internal/models"
	"github.com/BTreeMap/ChannelPipe/internal/session"
)

// Collector records ChannelPipe metrics.
type Collector struct {
	cycles          *prometheus.CounterVec
	cycleLatency    prometheus.Histogram
	degradedCycles  prometheus.Counter
	messages        *prometheus.CounterVec
	channelErrors   *prometheus.CounterVec
	classifications *prometheus.CounterVec
	handoffDrops    prometheus.Counter
	lastSuccess     prometheus.Gauge
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_fetch_cycles_total",
			Help: "Fetch cycles by outcome",
		}, []string{"outcome"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "channelpipe_fetch_cycle_duration_seconds",
			Help:    "Duration of fetch cycles in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		degradedCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_fetch_cycles_degraded_total",
			Help: "Fetch cycles run while the cursor store was unreachable",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_messages_total",
			Help: "Retrieved messages by disposition",
		}, []string{"disposition"}),
		channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_channel_errors_total",
			Help: "Per-channel retrieval failures",
		}, []string{"channel"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelpipe_classifications_total",
			Help: "Classified messages by verdict and source",
		}, []string{"verdict", "source"}),
		handoffDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelpipe_handoff_dropped_total",
			Help: "Messages dropped because the classification queue was full",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelpipe_last_completed_cycle_timestamp_seconds",
			Help: "Unix time of the last completed fetch cycle",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleLatency,
		c.degradedCycles,
		c.messages,
		c.channelErrors,
		c.classifications,
		c.handoffDrops,
		c.lastSuccess,
	)
	return c
}

// RecordCycle records a finished fetch cycle.
func (c *Collector) RecordCycle(s *models.CycleSummary) {
	c.cycles.WithLabelValues(string(s.Outcome)).Inc()
	c.cycleLatency.Observe(s.Duration().Seconds())
	if s.Degraded {
		c.degradedCycles.Inc()
	}
	c.messages.WithLabelValues("emitted").Add(float64(s.MessagesEmitted))
	c.messages.WithLabelValues("duplicate").Add(float64(s.MessagesSkippedDuplicate))
	c.messages.WithLabelValues("old").Add(float64(s.MessagesSkippedOld))
	c.messages.WithLabelValues("empty").Add(float64(s.MessagesSkippedEmpty))
	c.messages.WithLabelValues("dropped").Add(float64(s.MessagesDropped))
	for ch := range s.ErrorsByChannel {
		c.channelErrors.WithLabelValues(ch).Inc()
	}
	if s.Outcome == models.CycleCompleted {
		c.lastSuccess.Set(float64(s.FinishedAt.Unix()))
	}
}

// ObserveClassification records a classification verdict.
func (c *Collector) ObserveClassification(cl models.Classification) {
	c.classifications.WithLabelValues(string(cl.Verdict), cl.Source).Inc()
}

// HandoffDropped records a message dropped at the hand-off.
func (c *Collector) HandoffDropped() {
	c.handoffDrops.Inc()
}

// sessionCollector reports the guard state at scrape time.
type sessionCollector struct {
	state     func() session.State
	now       func() time.Time
	status    *prometheus.Desc
	limited   *prometheus.Desc
	attempts  *prometheus.Desc
	connected *prometheus.Desc
}

// WatchSession registers gauges that read the session state on every scrape.
func WatchSession(reg prometheus.Registerer, state func() session.State) {
	reg.MustRegister(&sessionCollector{
		state: state,
		now:   time.Now,
		status: prometheus.NewDesc("channelpipe_session_status",
			"Session guard status; 1 for the current status", []string{"status"}, nil),
		limited: prometheus.NewDesc("channelpipe_session_rate_limit_remaining_seconds",
			"Seconds until the session rate limit lifts", nil, nil),
		attempts: prometheus.NewDesc("channelpipe_session_connection_attempts",
			"Connection attempts since the last successful connection", nil, nil),
		connected: prometheus.NewDesc("channelpipe_session_last_connected_timestamp_seconds",
			"Unix time of the last successful connection", nil, nil),
	})
}

var allStatuses = []session.Status{
	session.StatusDisconnected,
	session.StatusConnecting,
	session.StatusConnected,
	session.StatusRateLimited,
	session.StatusNeedsReauth,
	session.StatusConfigInvalid,
}

func (s *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.status
	ch <- s.limited
	ch <- s.attempts
	ch <- s.connected
}

func (s *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.state()
	for _, status := range allStatuses {
		v := 0.0
		if st.Status == status {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(s.status, prometheus.GaugeValue, v, status.String())
	}
	remaining := 0.0
	if st.Status == session.StatusRateLimited {
		if d := st.RateLimitUntil.Sub(s.now()); d > 0 {
			remaining = d.Seconds()
		}
	}
	ch <- prometheus.MustNewConstMetric(s.limited, prometheus.GaugeValue, remaining)
	ch <- prometheus.MustNewConstMetric(s.attempts, prometheus.GaugeValue, float64(st.ConnectionAttempts))
	last := 0.0
	if !st.LastSuccessfulConnection.IsZero() {
		last = float64(st.LastSuccessfulConnection.Unix())
	}
	ch <- prometheus.MustNewConstMetric(s.connected, prometheus.GaugeValue, last)
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
