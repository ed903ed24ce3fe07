package procguard

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	mu           sync.Mutex
	pid          int32
	cmdline      string
	running      bool
	ignoreTerm   bool
	terminateErr error
	terminated   int
	killed       int
}

func (f *fakeProcess) PID() int32 { return f.pid }

func (f *fakeProcess) Cmdline(ctx context.Context) (string, error) { return f.cmdline, nil }

func (f *fakeProcess) IsRunning(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeProcess) Terminate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	if f.terminateErr != nil {
		return f.terminateErr
	}
	if !f.ignoreTerm {
		f.running = false
	}
	return nil
}

func (f *fakeProcess) Kill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	f.running = false
	return nil
}

func listerOf(procs ...*fakeProcess) Lister {
	return func(ctx context.Context) ([]Process, error) {
		out := make([]Process, 0, len(procs))
		for _, p := range procs {
			out = append(out, p)
		}
		return out, nil
	}
}

func TestFindMatchesPatternsAndSkipsSelf(t *testing.T) {
	self := &fakeProcess{pid: int32(os.Getpid()), cmdline: "channelpipe fetch", running: true}
	fetcher := &fakeProcess{pid: 100, cmdline: "/usr/bin/channelpipe fetch --once", running: true}
	worker := &fakeProcess{pid: 101, cmdline: "python telegram_worker.py", running: true}
	other := &fakeProcess{pid: 102, cmdline: "sshd", running: true}

	m := New([]string{"channelpipe fetch", " telegram_worker ", ""}, WithLister(listerOf(self, fetcher, worker, other)))
	found, err := m.Find(context.Background())
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 2 || found[0].PID() != 100 || found[1].PID() != 101 {
		t.Errorf("unexpected matches: %v", found)
	}
}

func TestTerminateFetchers(t *testing.T) {
	polite := &fakeProcess{pid: 200, cmdline: "channelpipe", running: true}
	stubborn := &fakeProcess{pid: 201, cmdline: "channelpipe", running: true, ignoreTerm: true}
	gone := &fakeProcess{pid: 202, cmdline: "channelpipe", running: false, terminateErr: errors.New("no such process")}

	m := New([]string{"channelpipe"}, WithGrace(50*time.Millisecond), WithLister(listerOf(polite, stubborn, gone)))
	n, err := m.TerminateFetchers(context.Background())
	if err != nil {
		t.Fatalf("TerminateFetchers failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 stopped, got %d", n)
	}
	if polite.killed != 0 {
		t.Errorf("polite process should not be killed")
	}
	if stubborn.killed != 1 {
		t.Errorf("stubborn process should be killed once, got %d", stubborn.killed)
	}
}

func TestTerminateReportsFailures(t *testing.T) {
	denied := &fakeProcess{pid: 300, cmdline: "channelpipe", running: true, terminateErr: errors.New("operation not permitted")}
	m := New([]string{"channelpipe"}, WithLister(listerOf(denied)))

	n, err := m.TerminateFetchers(context.Background())
	if err == nil || n != 0 {
		t.Errorf("expected failure to be reported, got n=%d err=%v", n, err)
	}
}

func TestNoPatternsMatchesNothing(t *testing.T) {
	called := false
	m := New(nil, WithLister(func(ctx context.Context) ([]Process, error) {
		called = true
		return nil, nil
	}))
	n, err := m.CompetingFetchers(context.Background())
	if err != nil || n != 0 || called {
		t.Errorf("expected no enumeration, got n=%d err=%v called=%v", n, err, called)
	}
}

func TestNoop(t *testing.T) {
	var n Noop
	if c, err := n.CompetingFetchers(context.Background()); c != 0 || err != nil {
		t.Errorf("unexpected %d %v", c, err)
	}
	if c, err := n.TerminateFetchers(context.Background()); c != 0 || err != nil {
		t.Errorf("unexpected %d %v", c, err)
	}
}

func TestSystemProcessesIncludesSelf(t *testing.T) {
	procs, err := SystemProcesses(context.Background())
	if err != nil {
		t.Skipf("process enumeration unavailable: %v", err)
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID() == self {
			return
		}
	}
	t.Errorf("current process %d not listed", self)
}
