package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ihub-2020/udp-tunnel-core/internal/firewall"
	"github.com/ihub-2020/udp-tunnel-core/internal/logsink"
	"github.com/ihub-2020/udp-tunnel-core/internal/process"
	"github.com/ihub-2020/udp-tunnel-core/internal/udp2raw"
)

// Config holds the supervisor's own settings, distinct from the tunnel
// snapshot it consumes.
type Config struct {
	// Binary is the udp2raw executable to spawn.
	// Default: udp2raw.DefaultBinary.
	Binary string

	// GracefulTimeout is the per-process SIGTERM grace window.
	// Default: 5s.
	GracefulTimeout time.Duration

	// PollInterval is the output pump read deadline. Default: 200ms.
	PollInterval time.Duration

	// DrainTimeout bounds the final wait for output pumps during
	// StopAll. Default: GracefulTimeout + 2s.
	DrainTimeout time.Duration

	// RestartDelay and MaxRestartAttempts shape the retry policy applied
	// when the snapshot's global retry_on_error flag is set.
	RestartDelay       time.Duration
	MaxRestartAttempts int

	// Firewall tunes the iptables reconciler.
	Firewall firewall.Config
}

// Logger is the logging interface the supervisor reports through.
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

// InstanceStatus is one row of the status report.
type InstanceStatus struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Running bool   `json:"running"`
	PID     *int   `json:"pid"`
}

// managedProcess is one process table entry. The supervisor owns the
// handle exclusively; pumps only hold the pipe they drain.
type managedProcess struct {
	key       string
	alias     string
	handle    *process.Handle
	startedAt time.Time
}

// Supervisor turns configuration snapshots into live tunnel processes
// and keeps their lifecycle observable.
type Supervisor struct {
	cfg        Config
	sink       *logsink.Sink
	reconciler *firewall.Reconciler
	logger     Logger

	// opMu serializes StartAll/StopAll so a watcher-triggered reload
	// cannot interleave with a shutdown mid-cycle.
	opMu sync.Mutex

	// mu protects only the table itself; never held across spawn,
	// signal or I/O waits.
	mu    sync.Mutex
	procs map[string]*managedProcess
	order []string
}

// New creates a supervisor writing through the given sink.
func New(cfg Config, sink *logsink.Sink) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = udp2raw.DefaultBinary
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = cfg.GracefulTimeout + 2*time.Second
	}

	return &Supervisor{
		cfg:        cfg,
		sink:       sink,
		reconciler: firewall.New(cfg.Firewall),
		logger:     noopLogger{},
		procs:      make(map[string]*managedProcess),
	}
}

// SetLogger sets the logger for the supervisor and its reconciler.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
	s.reconciler.SetLogger(logger)
}

// SetFirewallRunner replaces the reconciler's iptables runner.
// Intended for tests.
func (s *Supervisor) SetFirewallRunner(r firewall.Runner) {
	s.reconciler.SetRunner(r)
}

// StartAll applies a snapshot: a full StopAll first, unconditionally,
// so firewall state is clean even when nothing was running. Then, if
// the service is enabled, servers in list order followed by clients.
//
// Instances are independent: one instance failing to start is logged
// under its alias and never aborts the others. The returned error only
// reflects the stop phase, never per-instance spawn failures.
func (s *Supervisor) StartAll(ctx context.Context, snap *udp2raw.Snapshot) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopAllLocked(ctx)

	if !snap.Global.Enabled {
		s.sink.System("service disabled; no tunnels started")
		s.logger.Info("service globally disabled")
		return nil
	}

	started := 0
	for idx, spec := range snap.Servers {
		if !spec.Enabled {
			continue
		}
		if s.startInstance(udp2raw.RoleServer, idx, spec, snap.Global) {
			started++
		}
	}
	for idx, spec := range snap.Clients {
		if !spec.Enabled {
			continue
		}
		if s.startInstance(udp2raw.RoleClient, idx, spec, snap.Global) {
			started++
		}
	}

	s.logger.Info("start cycle complete", "started", started)
	return nil
}

// startInstance builds the argv and spawns one child. Reports success.
func (s *Supervisor) startInstance(role udp2raw.Role, idx int, spec udp2raw.InstanceSpec, global udp2raw.GlobalSpec) bool {
	key := fmt.Sprintf("%s_%d", role, idx)
	alias := spec.Alias
	if alias == "" {
		alias = key
	}

	args, err := udp2raw.BuildArgs(role, spec, global)
	if err != nil {
		s.sink.Systemf("cannot build arguments for %s: %v", alias, err)
		s.logger.Error("argument build failed", "alias", alias, "error", err)
		return false
	}

	s.logger.Info("starting tunnel",
		"key", key,
		"alias", alias,
		"args", strings.Join(args, " "),
	)

	handle, err := process.Start(process.Config{
		Alias:              alias,
		Binary:             s.cfg.Binary,
		Args:               args,
		GracefulTimeout:    s.cfg.GracefulTimeout,
		PollInterval:       s.cfg.PollInterval,
		RestartOnFailure:   global.RetryOnError,
		RestartDelay:       s.cfg.RestartDelay,
		MaxRestartAttempts: s.cfg.MaxRestartAttempts,
		OnLine: func(line string) {
			s.sink.Append(alias, line)
		},
		OnExit: func(code int) {
			s.sink.Systemf("%s exited with code %d", alias, code)
		},
		OnRestart: func(attempt int) {
			s.sink.Systemf("restarting %s (attempt %d)", alias, attempt)
		},
		Logger: s.logger,
	})
	if err != nil {
		// Binary missing or exec failure: surfaced per instance, siblings
		// keep starting.
		s.sink.Systemf("failed to start %s: %v", alias, err)
		s.logger.Error("spawn failed", "alias", alias, "error", err)
		return false
	}

	s.mu.Lock()
	s.procs[key] = &managedProcess{
		key:       key,
		alias:     alias,
		handle:    handle,
		startedAt: handle.StartedAt(),
	}
	s.order = append(s.order, key)
	s.mu.Unlock()

	// LastPID, not PID: a child that dies immediately would already
	// report 0 here, and the record should carry the pid it ran under.
	s.sink.Systemf("started %s [%s] pid %d", alias, key, handle.LastPID())
	return true
}

// StopAll terminates every tracked process, clears the table, runs the
// firewall reconciler exactly once, and waits (bounded) for every output
// pump to finish draining. Calling it with an empty table is cheap and
// still reconciles the firewall.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopAllLocked(ctx)
	return nil
}

func (s *Supervisor) stopAllLocked(ctx context.Context) {
	// Swap the table out wholesale; the stop signal reaches each pump
	// through its handle.
	s.mu.Lock()
	procs := make([]*managedProcess, 0, len(s.order))
	for _, key := range s.order {
		if p, ok := s.procs[key]; ok {
			procs = append(procs, p)
		}
	}
	s.procs = make(map[string]*managedProcess)
	s.order = nil
	s.mu.Unlock()

	if len(procs) > 0 {
		s.sink.Systemf("stopping %d tunnel(s)", len(procs))
	}

	for _, p := range procs {
		if err := p.handle.Stop(); err != nil {
			s.logger.Warn("stop error", "alias", p.alias, "error", err)
			s.sink.Systemf("error stopping %s: %v", p.alias, err)
		}
	}

	// Exactly once per stop cycle, running or not: udp2raw may have left
	// artifacts behind from a previous daemon's crash.
	s.reconciler.Reconcile(ctx)

	for _, p := range procs {
		if err := p.handle.Join(s.cfg.DrainTimeout); err != nil {
			s.logger.Warn("pump drain timeout", "alias", p.alias, "error", err)
		}
	}
}

// Status reports every tracked key with a non-blocking liveness check.
// PID is nil when the process is not running.
func (s *Supervisor) Status() []InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InstanceStatus, 0, len(s.order))
	for _, key := range s.order {
		p, ok := s.procs[key]
		if !ok {
			continue
		}
		st := InstanceStatus{ID: p.key, Alias: p.alias}
		if p.handle.Alive() {
			pid := p.handle.PID()
			st.Running = true
			st.PID = &pid
		}
		out = append(out, st)
	}
	return out
}

// GetLogs returns the most recent n log lines, most-recent-last,
// preferring the persisted file over the in-memory ring.
func (s *Supervisor) GetLogs(n int) []string {
	return s.sink.Tail(n)
}

// ClearLogs empties the ring and the on-disk file, then records the
// clear event itself.
func (s *Supervisor) ClearLogs() error {
	if err := s.sink.Clear(); err != nil {
		return err
	}
	s.sink.System("log history cleared")
	return nil
}

// Close stops all tunnels and releases the sink's file handle.
func (s *Supervisor) Close(ctx context.Context) error {
	if err := s.StopAll(ctx); err != nil {
		return err
	}
	return s.sink.Close()
}
