// Package procguard finds and stops local processes doing fetch work.
//
// It backs two best-effort strategies: terminating the holders of an abandoned
// fetch lock, and detecting competing fetchers when the coordination store is
// unreachable. Matching is by command-line substring, which is environment
// specific; Noop disables both in deployments without process enumeration.
package procguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultGrace is how long a terminated process gets before it is killed.
const DefaultGrace = 5 * time.Second

const pollInterval = 100 * time.Millisecond

// Process is the subset of a process handle the guard needs.
type Process interface {
	PID() int32
	Cmdline(ctx context.Context) (string, error)
	IsRunning(ctx context.Context) (bool, error)
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
}

// Lister enumerates processes.
type Lister func(ctx context.Context) ([]Process, error)

// Opts holds configuration for a Matcher.
type Opts struct {
	Grace  time.Duration
	Lister Lister
	Logger *slog.Logger
}

// Option defines a configuration option for the Matcher.
type Option func(*Opts)

// WithGrace sets the wait between terminate and kill.
func WithGrace(d time.Duration) Option {
	return func(o *Opts) { o.Grace = d }
}

// WithLister overrides process enumeration.
func WithLister(l Lister) Option {
	return func(o *Opts) { o.Lister = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// Matcher matches processes whose command line contains any of its patterns.
// The current process is never matched.
type Matcher struct {
	patterns []string
	self     int32
	opts     Opts
	logger   *slog.Logger
}

// New creates a Matcher. Empty patterns are ignored.
func New(patterns []string, opts ...Option) *Matcher {
	o := Opts{Grace: DefaultGrace, Lister: SystemProcesses}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var clean []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	return &Matcher{
		patterns: clean,
		self:     int32(os.Getpid()),
		opts:     o,
		logger:   logger.With("component", "procguard"),
	}
}

// Find returns the matching processes.
func (m *Matcher) Find(ctx context.Context) ([]Process, error) {
	if len(m.patterns) == 0 {
		return nil, nil
	}
	procs, err := m.opts.Lister(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var matched []Process
	for _, p := range procs {
		if p.PID() == m.self {
			continue
		}
		cmdline, err := p.Cmdline(ctx)
		if err != nil || cmdline == "" {
			// Exited or not ours to inspect
			continue
		}
		for _, pattern := range m.patterns {
			if strings.Contains(cmdline, pattern) {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}

// CompetingFetchers reports how many other local processes look like fetchers.
func (m *Matcher) CompetingFetchers(ctx context.Context) (int, error) {
	matched, err := m.Find(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range matched {
		m.logger.Warn("Competing fetch process detected", "pid", p.PID())
	}
	return len(matched), nil
}

// TerminateFetchers terminates matching processes, killing those that outlive
// the grace period. It returns the number of processes stopped.
func (m *Matcher) TerminateFetchers(ctx context.Context) (int, error) {
	matched, err := m.Find(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	stopped := 0
	for _, p := range matched {
		if err := m.stop(ctx, p); err != nil {
			m.logger.Warn("Failed to stop fetch process", "pid", p.PID(), "error", err)
			errs = append(errs, fmt.Errorf("pid %d: %w", p.PID(), err))
			continue
		}
		m.logger.Info("Stopped stale fetch process", "pid", p.PID())
		stopped++
	}
	return stopped, errors.Join(errs...)
}

func (m *Matcher) stop(ctx context.Context, p Process) error {
	if err := p.Terminate(ctx); err != nil {
		if running, rerr := p.IsRunning(ctx); rerr == nil && !running {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(m.opts.Grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(ctx); err == nil && !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	m.logger.Warn("Process ignored terminate, killing", "pid", p.PID(), "grace", m.opts.Grace)
	return p.Kill(ctx)
}

// Noop never finds or stops anything.
type Noop struct{}

// CompetingFetchers always reports none.
func (Noop) CompetingFetchers(ctx context.Context) (int, error) { return 0, nil }

// TerminateFetchers does nothing.
func (Noop) TerminateFetchers(ctx context.Context) (int, error) { return 0, nil }

// SystemProcesses lists the host's processes through gopsutil.
func SystemProcesses(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, systemProcess{p})
	}
	return out, nil
}

type systemProcess struct {
	p *process.Process
}

func (s systemProcess) PID() int32 { return s.p.Pid }

func (s systemProcess) Cmdline(ctx context.Context) (string, error) {
	return s.p.CmdlineWithContext(ctx)
}

func (s systemProcess) IsRunning(ctx context.Context) (bool, error) {
	return s.p.IsRunningWithContext(ctx)
}

func (s systemProcess) Terminate(ctx context.Context) error {
	return s.p.TerminateWithContext(ctx)
}

func (s systemProcess) Kill(ctx context.Context) error {
	return s.p.KillWithContext(ctx)
}
