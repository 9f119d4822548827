package process

import (
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// collector gathers pump callbacks for assertions.
type collector struct {
	mu       sync.Mutex
	lines    []string
	exits    []int
	restarts []int
	exitCh   chan int
}

func newCollector() *collector {
	return &collector{exitCh: make(chan int, 8)}
}

func (c *collector) onLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collector) onExit(code int) {
	c.mu.Lock()
	c.exits = append(c.exits, code)
	c.mu.Unlock()
	c.exitCh <- code
}

func (c *collector) onRestart(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts = append(c.restarts, attempt)
}

func (c *collector) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-c.exitCh:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return 0
	}
}

func (c *collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestStart_InvalidBinary(t *testing.T) {
	_, err := Start(Config{
		Alias:  "missing",
		Binary: "/nonexistent/udp2raw",
	})
	if err == nil {
		t.Fatal("Start() with missing binary expected error, got nil")
	}
}

func TestStart_RequiresBinary(t *testing.T) {
	if _, err := Start(Config{Alias: "empty"}); err == nil {
		t.Error("Start() with empty binary expected error, got nil")
	}
}

func TestHandle_StartAndStop(t *testing.T) {
	h, err := Start(Config{
		Alias:           "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !h.Alive() {
		t.Error("Alive() = false after Start()")
	}
	if h.PID() == 0 {
		t.Error("PID() = 0 after Start()")
	}
	if h.StartedAt().IsZero() {
		t.Error("StartedAt() is zero after Start()")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if h.Alive() {
		t.Error("Alive() = true after Stop()")
	}
	if h.PID() != 0 {
		t.Errorf("PID() = %d after Stop(), want 0", h.PID())
	}
}

func TestHandle_StopIdempotent(t *testing.T) {
	h, err := Start(Config{
		Alias:           "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("first Stop() error: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestHandle_OutputLines(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:        "printer",
		Binary:       "/bin/sh",
		Args:         []string{"-c", `printf 'one\ntwo\n\n  \n'; printf 'partial'`},
		PollInterval: 50 * time.Millisecond,
		OnLine:       c.onLine,
		OnExit:       c.onExit,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if code := c.waitExit(t); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if err := h.Join(2 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	want := []string{"one", "two", "partial"}
	got := c.Lines()
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHandle_CombinedStderr(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:        "mixed",
		Binary:       "/bin/sh",
		Args:         []string{"-c", `echo out; echo err 1>&2`},
		PollInterval: 50 * time.Millisecond,
		OnLine:       c.onLine,
		OnExit:       c.onExit,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	c.waitExit(t)
	if err := h.Join(2 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	got := c.Lines()
	if len(got) != 2 {
		t.Fatalf("lines = %v, want stdout and stderr lines", got)
	}
}

func TestHandle_InvalidUTF8Substituted(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:        "garbler",
		Binary:       "/bin/sh",
		Args:         []string{"-c", `printf 'ok \377\376 end\n'`},
		PollInterval: 50 * time.Millisecond,
		OnLine:       c.onLine,
		OnExit:       c.onExit,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	c.waitExit(t)
	if err := h.Join(2 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	got := c.Lines()
	if len(got) != 1 {
		t.Fatalf("lines = %v, want one sanitized line", got)
	}
	// The invalid bytes are substituted, never dropped and never fatal.
	if !strings.Contains(got[0], "�") {
		t.Errorf("line = %q, want replacement rune for invalid bytes", got[0])
	}
	if !strings.HasPrefix(got[0], "ok") || !strings.HasSuffix(got[0], "end") {
		t.Errorf("line = %q, want surrounding text preserved", got[0])
	}
}

func TestHandle_ExitCodeReported(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:        "failer",
		Binary:       "/bin/sh",
		Args:         []string{"-c", "exit 3"},
		PollInterval: 50 * time.Millisecond,
		OnExit:       c.onExit,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if code := c.waitExit(t); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if err := h.Join(2 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if h.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", h.ExitCode())
	}
	if h.PID() != 0 {
		t.Errorf("PID() = %d after exit, want 0", h.PID())
	}
	if h.LastPID() == 0 {
		t.Error("LastPID() = 0 after exit, want the spawn pid retained")
	}
}

func TestHandle_ExternallyKilled(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:        "victim",
		Binary:       "/bin/sleep",
		Args:         []string{"60"},
		PollInterval: 50 * time.Millisecond,
		OnExit:       c.onExit,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	pid := h.PID()
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill error: %v", err)
	}

	c.waitExit(t)
	if err := h.Join(2 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	if h.Alive() {
		t.Error("Alive() = true after external kill")
	}
	if h.PID() != 0 {
		t.Errorf("PID() = %d after external kill, want 0", h.PID())
	}
}

func TestHandle_RestartOnFailure(t *testing.T) {
	c := newCollector()
	h, err := Start(Config{
		Alias:              "flapper",
		Binary:             "/bin/sh",
		Args:               []string{"-c", "exit 1"},
		PollInterval:       25 * time.Millisecond,
		RestartOnFailure:   true,
		RestartDelay:       50 * time.Millisecond,
		MaxRestartAttempts: 1,
		OnExit:             c.onExit,
		OnRestart:          c.onRestart,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// First exit, one restart, second exit, then the attempt cap ends it.
	c.waitExit(t)
	c.waitExit(t)
	if err := h.Join(3 * time.Second); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	if h.RestartCount() != 2 {
		// Attempt 2 hits the cap before a respawn; only the counter moves.
		t.Errorf("RestartCount() = %d, want 2", h.RestartCount())
	}
	c.mu.Lock()
	restarts := append([]int(nil), c.restarts...)
	c.mu.Unlock()
	if len(restarts) != 1 || restarts[0] != 1 {
		t.Errorf("OnRestart attempts = %v, want [1]", restarts)
	}
}

func TestHandle_StopSuppressesRestart(t *testing.T) {
	h, err := Start(Config{
		Alias:            "stopper",
		Binary:           "/bin/sleep",
		Args:             []string{"60"},
		GracefulTimeout:  2 * time.Second,
		RestartOnFailure: true,
		RestartDelay:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// Give a would-be restart time to happen, then confirm it did not.
	time.Sleep(200 * time.Millisecond)
	if h.Alive() {
		t.Error("process restarted after a requested stop")
	}
	if h.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d after stop, want 0", h.RestartCount())
	}
}
