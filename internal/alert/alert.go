// Package alert fans alert events out to operator-facing sinks.
//
// Emit never blocks and never fails the caller: each sink runs in its own
// goroutine with a timeout, and sink errors or panics are only logged.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// DefaultSinkTimeout bounds one delivery to one sink.
const DefaultSinkTimeout = 15 * time.Second

// Sink delivers an alert somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt models.AlertEvent) error
}

// Dispatcher delivers events to every sink whose severity floor the event meets.
type Dispatcher struct {
	sinks   []route
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	wg      sync.WaitGroup
}

type route struct {
	sink     Sink
	minLevel int
}

var severityLevel = map[models.Severity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

// NewDispatcher creates a Dispatcher without sinks.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		timeout: DefaultSinkTimeout,
		now:     time.Now,
		logger:  logger.With("component", "alert"),
	}
}

// SetTimeout changes the per-sink delivery bound.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	d.timeout = timeout
}

// AddSink registers s for events of at least minSeverity. Not safe to call concurrently with Emit.
func (d *Dispatcher) AddSink(s Sink, minSeverity models.Severity) {
	d.sinks = append(d.sinks, route{sink: s, minLevel: severityLevel[minSeverity]})
}

// Emit delivers evt asynchronously.
func (d *Dispatcher) Emit(evt models.AlertEvent) {
	if evt.Time.IsZero() {
		evt.Time = d.now()
	}
	level := severityLevel[evt.Severity]
	for _, r := range d.sinks {
		if level < r.minLevel {
			continue
		}
		d.wg.Add(1)
		go d.deliver(r.sink, evt)
	}
}

func (d *Dispatcher) deliver(s Sink, evt models.AlertEvent) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Alert sink panicked", "sink", s.Name(), "kind", evt.Kind, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Send(ctx, evt); err != nil {
		d.logger.Error("Failed to deliver alert", "sink", s.Name(), "kind", evt.Kind, "severity", evt.Severity, "error", err)
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// format renders an event as a single line of text.
func format(evt models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", evt.Severity, evt.Kind, evt.Message)
	keys := make([]string, 0, len(evt.Context))
	for k := range evt.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, evt.Context[k])
	}
	return b.String()
}
