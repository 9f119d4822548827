package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// readBufferSize is the buffer size for draining the child's combined
// output pipe.
const readBufferSize = 4096

// Config holds everything needed to spawn and supervise one child.
type Config struct {
	// Alias is the instance's display name, used in logs.
	Alias string

	// Binary is the path to the executable.
	Binary string

	// Args is the argument vector (not including the binary name).
	Args []string

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	// Default: 5s.
	GracefulTimeout time.Duration

	// PollInterval is the read deadline for each pump read attempt. A
	// timed-out read re-checks the stop signal and exit state.
	// Default: 200ms.
	PollInterval time.Duration

	// RestartOnFailure respawns the child after an unexpected exit.
	// A requested stop never restarts.
	RestartOnFailure bool

	// RestartDelay is the pause before a restart attempt. Default: 5s.
	RestartDelay time.Duration

	// MaxRestartAttempts caps restarts. 0 means unlimited.
	MaxRestartAttempts int

	// OnLine receives each completed, trimmed, non-blank output line.
	OnLine func(line string)

	// OnExit receives the exit code each time the child exits, after the
	// pump has drained any final buffered output.
	OnExit func(code int)

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int)

	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger Logger
}

// Logger is the logging interface the handle reports through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handle owns one spawned child process and its output pump.
type Handle struct {
	cfg    Config
	logger Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	alive     bool
	exitCode  int
	stopReq   bool
	restarts  int

	stopOnce sync.Once
	stop     chan struct{} // closed by Stop; ends pump polling and restart delays
	done     chan struct{} // closed when the monitor and pump have fully finished
}

// Start spawns the child and begins draining its output. It returns an
// error only when the initial spawn fails (binary missing, exec error);
// later exits are reported through OnExit and the logger.
func Start(cfg Config) (*Handle, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("binary path is required")
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	h := &Handle{
		cfg:    cfg,
		logger: cfg.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	cmd, pipe, err := h.spawn()
	if err != nil {
		close(h.done)
		return nil, err
	}

	go h.monitor(cmd, pipe)

	return h, nil
}

// spawn starts one incarnation of the child with stdout and stderr
// joined into a single pipe.
func (h *Handle) spawn() (*exec.Cmd, *os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(h.cfg.Binary, h.cfg.Args...)

	// New process group so Stop can signal the child and anything it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, nil, fmt.Errorf("starting %s: %w", h.cfg.Alias, err)
	}

	// The child holds its own copy of the write end; closing ours lets
	// the pump observe EOF when the child exits.
	pw.Close()

	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.alive = true
	h.mu.Unlock()

	h.logger.Info("process started",
		"alias", h.cfg.Alias,
		"pid", cmd.Process.Pid,
	)

	return cmd, pr, nil
}

// monitor waits for each incarnation to exit, joins its pump, and
// decides whether to restart.
func (h *Handle) monitor(cmd *exec.Cmd, pipe *os.File) {
	defer close(h.done)

	for {
		exited := make(chan int, 1)
		pumpDone := make(chan struct{})
		go h.pump(pipe, exited, pumpDone)

		code := waitExitCode(cmd.Wait())

		h.mu.Lock()
		h.alive = false
		h.exitCode = code
		stopReq := h.stopReq
		h.mu.Unlock()

		exited <- code
		<-pumpDone

		if stopReq {
			h.logger.Info("process stopped as requested", "alias", h.cfg.Alias)
			return
		}

		h.logger.Warn("process exited unexpectedly",
			"alias", h.cfg.Alias,
			"code", code,
		)

		if !h.cfg.RestartOnFailure {
			return
		}

		h.mu.Lock()
		h.restarts++
		attempt := h.restarts
		h.mu.Unlock()

		if h.cfg.MaxRestartAttempts > 0 && attempt > h.cfg.MaxRestartAttempts {
			h.logger.Error("max restart attempts reached",
				"alias", h.cfg.Alias,
				"attempts", attempt,
			)
			return
		}

		if h.cfg.OnRestart != nil {
			h.cfg.OnRestart(attempt)
		}

		select {
		case <-h.stop:
			return
		case <-time.After(h.cfg.RestartDelay):
		}

		h.mu.Lock()
		stopReq = h.stopReq
		h.mu.Unlock()
		if stopReq {
			return
		}

		newCmd, newPipe, err := h.spawn()
		if err != nil {
			h.logger.Error("failed to restart process",
				"alias", h.cfg.Alias,
				"error", err,
			)
			return
		}
		cmd, pipe = newCmd, newPipe
	}
}

// pump drains the combined output pipe without ever blocking
// indefinitely: every read carries a deadline, and a timed-out read
// re-checks whether the child has exited before retrying. Completed
// lines go to OnLine; after exit the final partial line is flushed and
// OnExit fires with the exit code.
func (h *Handle) pump(pipe *os.File, exited <-chan int, done chan<- struct{}) {
	defer close(done)
	defer pipe.Close()

	buf := make([]byte, readBufferSize)
	var pending []byte
	var exitCode *int

	for {
		_ = pipe.SetReadDeadline(time.Now().Add(h.cfg.PollInterval))
		n, err := pipe.Read(buf)
		if n > 0 {
			pending = h.emitLines(append(pending, buf[:n]...))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if exitCode != nil {
				// Child is gone and the pipe has gone quiet. A forked
				// grandchild may still hold the write end, so EOF is not
				// guaranteed; stop here rather than poll forever.
				break
			}
			select {
			case code := <-exited:
				exitCode = &code
				// One more pass to drain bytes that raced the exit.
			default:
			}
			continue
		}
		// EOF, or the pipe broke some other way.
		break
	}

	if len(pending) > 0 {
		h.emitLine(string(pending))
	}

	if exitCode == nil {
		// EOF arrived before Wait returned; the code follows shortly.
		select {
		case code := <-exited:
			exitCode = &code
		case <-time.After(h.cfg.GracefulTimeout + time.Second):
			h.logger.Warn("no exit code after output closed", "alias", h.cfg.Alias)
		}
	}

	if exitCode != nil && h.cfg.OnExit != nil {
		h.cfg.OnExit(*exitCode)
	}
}

// emitLines forwards every complete line in pending and returns the
// unterminated remainder.
func (h *Handle) emitLines(pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending
		}
		h.emitLine(string(pending[:i]))
		pending = pending[i+1:]
	}
}

// emitLine trims, sanitizes and forwards one line. Blank lines are
// skipped; invalid UTF-8 is substituted rather than dropped.
func (h *Handle) emitLine(raw string) {
	line := strings.TrimSpace(strings.ToValidUTF8(raw, "�"))
	if line == "" {
		return
	}
	if h.cfg.OnLine != nil {
		h.cfg.OnLine(line)
	}
}

// Stop requests termination: SIGTERM to the process group, a bounded
// grace period, then SIGKILL. It returns once the monitor and pump have
// finished, or errors if they fail to within a bounded window. Safe to
// call more than once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	h.stopReq = true
	alive := h.alive
	pid := h.pid
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })

	if alive {
		h.logger.Info("stopping process", "alias", h.cfg.Alias, "pid", pid)

		// Negative pid signals the whole group created via Setpgid.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			h.logger.Warn("failed to send SIGTERM",
				"alias", h.cfg.Alias,
				"error", err,
			)
		}

		select {
		case <-h.done:
			h.logger.Info("process stopped gracefully", "alias", h.cfg.Alias)
			return nil
		case <-time.After(h.cfg.GracefulTimeout):
			h.logger.Warn("graceful shutdown timeout, sending SIGKILL",
				"alias", h.cfg.Alias,
				"timeout", h.cfg.GracefulTimeout,
			)
		}

		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing process group %s: %w", h.cfg.Alias, err)
		}
	}

	// Pumps honor the stop signal and read deadlines, so this wait is
	// bounded even when the pipe never reaches EOF.
	select {
	case <-h.done:
		return nil
	case <-time.After(h.cfg.GracefulTimeout + 2*h.cfg.PollInterval):
		return fmt.Errorf("process %s did not finish draining", h.cfg.Alias)
	}
}

// Join blocks until the monitor and pump have finished, or the timeout
// elapses. Used by the supervisor to bound its drain wait.
func (h *Handle) Join(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process %s still draining after %v", h.cfg.Alias, timeout)
	}
}

// Alias returns the instance display name.
func (h *Handle) Alias() string {
	return h.cfg.Alias
}

// Alive reports whether the child is currently running. It never blocks:
// exit is recorded by the monitor the moment Wait returns.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// PID returns the child's process ID, or 0 when it is not running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return 0
	}
	return h.pid
}

// LastPID returns the process ID of the current or most recent
// incarnation, regardless of liveness. Unlike PID it never reads 0 for
// a child that did spawn, so it is safe for records written while the
// child may already be exiting.
func (h *Handle) LastPID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// ExitCode returns the last observed exit code. Only meaningful after
// Alive reports false.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// StartedAt returns when the current incarnation was spawned.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// RestartCount returns the number of restart attempts. An attempt cut
// off by MaxRestartAttempts is counted even though it never respawned.
func (h *Handle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

// waitExitCode maps cmd.Wait's error into the child's exit code. A
// signal-terminated child reports -1, matching exec.ExitError.
func waitExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
