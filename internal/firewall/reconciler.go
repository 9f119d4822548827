package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Config tunes how the reconciler talks to iptables.
type Config struct {
	// IptablesPath is the iptables binary. Default: "iptables" ($PATH).
	IptablesPath string

	// ChainPrefix tags the artifacts to remove. udp2raw names its chains
	// and rule targets with this prefix. Default: "udp2raw".
	ChainPrefix string

	// MaxRulePasses caps the inspect-delete loop on the INPUT chain, in
	// case a deletion silently fails. Default: 100.
	MaxRulePasses int

	// WaitLock adds -w so iptables waits for the xtables lock instead of
	// failing when another process holds it.
	WaitLock bool

	// CommandTimeout bounds each iptables invocation. Default: 5s.
	CommandTimeout time.Duration
}

// Summary reports what one reconciliation pass removed.
type Summary struct {
	RulesDeleted  int
	ChainsDeleted int
}

// Logger is the logging interface the reconciler reports through.
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

// Runner executes one iptables command and returns its combined output.
// Tests substitute a fake so no root or iptables binary is needed.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// execRunner shells out to the real iptables binary.
type execRunner struct {
	binary  string
	timeout time.Duration
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w (%s)",
			r.binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Reconciler restores the firewall to a clean baseline between stop and
// start cycles.
type Reconciler struct {
	cfg    Config
	runner Runner
	logger Logger
}

// New creates a reconciler with the given configuration.
func New(cfg Config) *Reconciler {
	if cfg.IptablesPath == "" {
		cfg.IptablesPath = "iptables"
	}
	if cfg.ChainPrefix == "" {
		cfg.ChainPrefix = "udp2raw"
	}
	if cfg.MaxRulePasses == 0 {
		cfg.MaxRulePasses = 100
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &Reconciler{
		cfg:    cfg,
		runner: execRunner{binary: cfg.IptablesPath, timeout: cfg.CommandTimeout},
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// SetRunner replaces the command runner. Intended for tests.
func (r *Reconciler) SetRunner(runner Runner) {
	r.runner = runner
}

// Reconcile removes every tagged INPUT rule and every tagged chain it
// can find. It never returns an error: every failure is downgraded to a
// warning, and the summary reflects what was actually removed.
func (r *Reconciler) Reconcile(ctx context.Context) Summary {
	var sum Summary
	sum.RulesDeleted = r.deleteInputRules(ctx)
	sum.ChainsDeleted = r.deleteChains(ctx)

	if sum.RulesDeleted > 0 || sum.ChainsDeleted > 0 {
		r.logger.Info("firewall artifacts removed",
			"rules", sum.RulesDeleted,
			"chains", sum.ChainsDeleted,
		)
	}
	return sum
}

// deleteInputRules repeatedly inspects INPUT with line numbers and
// deletes the lowest-numbered tagged rule until none remain or the pass
// cap is hit. Deleting by number invalidates later numbers, which is why
// each pass re-inspects instead of batching.
func (r *Reconciler) deleteInputRules(ctx context.Context) int {
	deleted := 0
	for pass := 0; pass < r.cfg.MaxRulePasses; pass++ {
		out, err := r.runner.Run(ctx, r.args("-L", "INPUT", "--line-numbers", "-n")...)
		if err != nil {
			r.logger.Warn("cannot inspect INPUT chain", "error", err)
			return deleted
		}

		num, ok := lowestTaggedRule(out, r.cfg.ChainPrefix)
		if !ok {
			return deleted
		}

		if _, err := r.runner.Run(ctx, r.args("-D", "INPUT", strconv.Itoa(num))...); err != nil {
			r.logger.Warn("cannot delete INPUT rule",
				"line", num,
				"error", err,
			)
			return deleted
		}
		deleted++
	}

	r.logger.Warn("rule deletion pass cap reached; tagged rules may remain",
		"passes", r.cfg.MaxRulePasses,
	)
	return deleted
}

// deleteChains enumerates chains named with the tag prefix, flushes each
// and then deletes it. A chain already removed by a concurrent actor is
// not an error.
func (r *Reconciler) deleteChains(ctx context.Context) int {
	out, err := r.runner.Run(ctx, r.args("-L", "-n")...)
	if err != nil {
		r.logger.Warn("cannot enumerate chains", "error", err)
		return 0
	}

	deleted := 0
	for _, chain := range taggedChains(out, r.cfg.ChainPrefix) {
		if _, err := r.runner.Run(ctx, r.args("-F", chain)...); err != nil {
			r.logger.Warn("cannot flush chain", "chain", chain, "error", err)
			continue
		}
		if _, err := r.runner.Run(ctx, r.args("-X", chain)...); err != nil {
			r.logger.Warn("cannot delete chain", "chain", chain, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// args prepends the xtables-lock wait flag when configured.
func (r *Reconciler) args(rest ...string) []string {
	if r.cfg.WaitLock {
		return append([]string{"-w"}, rest...)
	}
	return rest
}

// lowestTaggedRule scans `iptables -L INPUT --line-numbers -n` output
// for the first (lowest-numbered) rule mentioning the tag prefix.
func lowestTaggedRule(out, prefix string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header lines
		}
		if strings.Contains(line, prefix) {
			return num, true
		}
	}
	return 0, false
}

// taggedChains extracts chain names carrying the tag prefix from
// `iptables -L -n` output.
func taggedChains(out, prefix string) []string {
	var chains []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Chain ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[1], prefix) {
			chains = append(chains, fields[1])
		}
	}
	return chains
}
