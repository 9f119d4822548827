// udptunneld supervises udp2raw tunnel processes.
//
// It reads a JSON snapshot of tunnel definitions, spawns one udp2raw
// child per enabled definition, captures their output into a bounded
// log sink, and clears leftover iptables artifacts on every stop cycle.
// The snapshot file is watched for changes so edits take effect without
// restarting the daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ihub-2020/udp-tunnel-core/internal/firewall"
	"github.com/ihub-2020/udp-tunnel-core/internal/infrastructure/config"
	"github.com/ihub-2020/udp-tunnel-core/internal/infrastructure/logging"
	"github.com/ihub-2020/udp-tunnel-core/internal/logsink"
	"github.com/ihub-2020/udp-tunnel-core/internal/supervisor"
	"github.com/ihub-2020/udp-tunnel-core/internal/udp2raw"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the final stop cycle after a shutdown signal.
const shutdownTimeout = 30 * time.Second

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting udptunneld",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	sink := logsink.New(cfg.Sink.Capacity, logsink.FileConfig{
		Path:       cfg.Sink.File.Path,
		MaxSizeMB:  cfg.Sink.File.MaxSize,
		MaxBackups: cfg.Sink.File.MaxBackups,
		MaxAgeDays: cfg.Sink.File.MaxAge,
		Compress:   cfg.Sink.File.Compress,
	})

	sup := supervisor.New(supervisor.Config{
		Binary:             cfg.Tunnel.Binary,
		GracefulTimeout:    cfg.GracefulTimeout(),
		PollInterval:       cfg.PollInterval(),
		DrainTimeout:       cfg.DrainTimeout(),
		RestartDelay:       cfg.RestartDelay(),
		MaxRestartAttempts: cfg.Tunnel.MaxRestartAttempts,
		Firewall: firewall.Config{
			IptablesPath:   cfg.Firewall.IptablesPath,
			ChainPrefix:    cfg.Firewall.ChainPrefix,
			MaxRulePasses:  cfg.Firewall.MaxRulePasses,
			WaitLock:       cfg.Firewall.WaitLock,
			CommandTimeout: cfg.CommandTimeout(),
		},
	}, sink)
	sup.SetLogger(log.With("component", "supervisor"))
	defer func() {
		// A fresh context: the signal context is already cancelled by
		// the time shutdown runs.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()

		log.Info("stopping tunnels")
		if closeErr := sup.Close(stopCtx); closeErr != nil {
			log.Error("error during shutdown", "error", closeErr)
		}
	}()

	applySnapshot(ctx, sup, cfg.Snapshot.Path, log)

	if cfg.Snapshot.Watch {
		watcher, watchErr := supervisor.NewWatcher(cfg.Snapshot.Path, sup)
		if watchErr != nil {
			return fmt.Errorf("creating snapshot watcher: %w", watchErr)
		}
		watcher.SetLogger(log.With("component", "watcher"))
		if watchErr := watcher.Start(ctx); watchErr != nil {
			return fmt.Errorf("starting snapshot watcher: %w", watchErr)
		}
		defer func() {
			log.Info("stopping snapshot watcher")
			if stopErr := watcher.Stop(); stopErr != nil {
				log.Error("error stopping watcher", "error", stopErr)
			}
		}()
		log.Info("snapshot watcher started", "path", cfg.Snapshot.Path)
	} else {
		log.Info("snapshot watcher disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// SIGHUP forces a reload even when the watcher is disabled or the
	// snapshot's mtime did not change.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up")
			return nil
		case <-hup:
			log.Info("SIGHUP received, reloading tunnel snapshot")
			applySnapshot(ctx, sup, cfg.Snapshot.Path, log)
		}
	}
}

// applySnapshot loads the tunnel snapshot and hands it to the
// supervisor. A missing or malformed snapshot is logged and skipped so
// the daemon stays up with its current tunnel set.
func applySnapshot(ctx context.Context, sup *supervisor.Supervisor, path string, log *logging.Logger) {
	snap, err := udp2raw.LoadSnapshot(path)
	if err != nil {
		log.Warn("snapshot not applied", "path", path, "error", err)
		return
	}
	if err := sup.StartAll(ctx, snap); err != nil {
		log.Error("start cycle failed", "error", err)
	}
}

// loadConfig resolves the config path and loads the daemon configuration.
// When no config file exists at the default path and none was requested
// via UDPTUNNEL_CONFIG, built-in defaults are used.
func loadConfig() (*config.Config, string, error) {
	path := os.Getenv("UDPTUNNEL_CONFIG")
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	path = defaultConfigPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, defErr := config.Default()
		return cfg, "(built-in defaults)", defErr
	}

	cfg, err := config.Load(path)
	return cfg, path, err
}
