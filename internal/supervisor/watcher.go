package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ihub-2020/udp-tunnel-core/internal/udp2raw"
)

// defaultDebounce coalesces the write bursts editors and atomic-save
// tools produce into one reload.
const defaultDebounce = 500 * time.Millisecond

// Watcher re-applies the tunnel snapshot whenever the configuration
// collaborator rewrites it on disk. This replaces the push the original
// web layer performed after every save: the supervisor reacts to the
// file instead of being called.
type Watcher struct {
	path     string
	sup      *Supervisor
	logger   Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the snapshot file at path.
func NewWatcher(path string, sup *Supervisor) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		sup:      sup,
		logger:   noopLogger{},
		watcher:  fsw,
		debounce: defaultDebounce,
	}, nil
}

// SetLogger sets the logger for the watcher.
func (w *Watcher) SetLogger(logger Logger) {
	w.logger = logger
}

// Start begins watching. The snapshot's directory is watched rather
// than the file itself so atomic saves (write temp, rename over) keep
// triggering reloads.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()

	w.logger.Info("watching snapshot", "path", w.path)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("snapshot watch error", "error", err)
		}
	}
}

// reload decodes the snapshot and re-applies it. A malformed snapshot
// leaves the running set untouched.
func (w *Watcher) reload(ctx context.Context) {
	snap, err := udp2raw.LoadSnapshot(w.path)
	if err != nil {
		w.logger.Warn("snapshot reload skipped", "error", err)
		return
	}

	w.logger.Info("snapshot changed, restarting tunnels", "path", w.path)
	if err := w.sup.StartAll(ctx, snap); err != nil {
		w.logger.Error("snapshot reload failed", "error", err)
	}
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
