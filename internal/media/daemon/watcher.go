package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// HealthChecker re-checks the file behind one asset.
// *repository.Repository implements it.
type HealthChecker interface {
	RefreshFileHealth(ctx context.Context, id string) (schema.Asset, error)
}

// HealthWatcher watches the media directory and re-checks an asset's file
// health when its file is created, removed or renamed.
//
// Asset files live in <mediaDir>/<ownerID>/<assetID>.<ext>, so the file
// stem is the asset id. Events are debounced per asset: a burst of events
// for the same file results in one check.
type HealthWatcher struct {
	mediaDir string
	checker  HealthChecker
	debounce time.Duration
	logger   *logging.Logger
	onCheck  func(schema.Asset)

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // asset id -> last event
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHealthWatcher creates a watcher over mediaDir. onCheck, if set, is
// called with the asset after each check that found it.
func NewHealthWatcher(mediaDir string, checker HealthChecker, debounce time.Duration, logger *logging.Logger, onCheck func(schema.Asset)) (*HealthWatcher, error) {
	if mediaDir == "" {
		return nil, fmt.Errorf("mediaDir cannot be empty")
	}
	if checker == nil {
		return nil, fmt.Errorf("checker cannot be nil")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &HealthWatcher{
		mediaDir:    mediaDir,
		checker:     checker,
		debounce:    debounce,
		logger:      logging.OrNop(logger),
		onCheck:     onCheck,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		done:        make(chan struct{}),
	}, nil
}

// Start watches the media directory and every owner directory in it.
// Owner directories created later are picked up as they appear.
func (hw *HealthWatcher) Start(ctx context.Context) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	if hw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := hw.watcher.Add(hw.mediaDir); err != nil {
		return fmt.Errorf("failed to watch media directory %s: %w", hw.mediaDir, err)
	}
	entries, err := os.ReadDir(hw.mediaDir)
	if err != nil {
		return fmt.Errorf("failed to read media directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			hw.addDir(filepath.Join(hw.mediaDir, e.Name()))
		}
	}

	hw.running = true
	hw.wg.Add(2)
	go hw.processEvents()
	go hw.processChangeQueue(ctx)

	hw.logger.Info("watching media directory", "path", hw.mediaDir)
	return nil
}

// Stop stops watching and waits for an in-flight check to finish.
func (hw *HealthWatcher) Stop() error {
	hw.mu.Lock()
	if !hw.running {
		hw.mu.Unlock()
		return hw.watcher.Close()
	}
	hw.running = false
	hw.mu.Unlock()

	close(hw.done)
	err := hw.watcher.Close()
	hw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (hw *HealthWatcher) IsRunning() bool {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.running
}

func (hw *HealthWatcher) addDir(dir string) {
	if err := hw.watcher.Add(dir); err != nil {
		hw.logger.Warn("failed to watch owner directory", "path", dir, "error", err)
	}
}

func (hw *HealthWatcher) processEvents() {
	defer hw.wg.Done()

	for {
		select {
		case <-hw.done:
			return

		case event, ok := <-hw.watcher.Events:
			if !ok {
				return
			}
			hw.handleEvent(event)

		case err, ok := <-hw.watcher.Errors:
			if !ok {
				return
			}
			hw.logger.Warn("watcher error", "error", err)
		}
	}
}

func (hw *HealthWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	dir := filepath.Dir(event.Name)
	name := filepath.Base(event.Name)
	if hidden(name) {
		return
	}

	if filepath.Clean(dir) == filepath.Clean(hw.mediaDir) {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				hw.addDir(event.Name)
			}
		}
		return
	}
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(hw.mediaDir) {
		return
	}

	id, ok := assetIDFromPath(event.Name)
	if !ok {
		return
	}
	hw.logger.Debug("asset file event", "asset_id", id, "op", event.Op.String())
	hw.queueChange(id)
}

// queueChange records an event for id, restarting its debounce window.
func (hw *HealthWatcher) queueChange(id string) {
	hw.changeQueueMu.Lock()
	defer hw.changeQueueMu.Unlock()

	hw.changeQueue[id] = time.Now()
}

func (hw *HealthWatcher) processChangeQueue(ctx context.Context) {
	defer hw.wg.Done()

	ticker := time.NewTicker(hw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-hw.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			hw.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges checks assets whose last event is older than the
// debounce interval.
func (hw *HealthWatcher) processPendingChanges(ctx context.Context) {
	now := time.Now()
	var ready []string

	hw.changeQueueMu.Lock()
	for id, queuedAt := range hw.changeQueue {
		if now.Sub(queuedAt) < hw.debounce {
			continue
		}
		ready = append(ready, id)
		delete(hw.changeQueue, id)
	}
	hw.changeQueueMu.Unlock()

	for _, id := range ready {
		a, err := hw.checker.RefreshFileHealth(ctx, id)
		if errors.Is(err, schema.ErrNotFound) {
			// A file being placed before its record is committed, or a
			// stray file.
			continue
		}
		if err != nil {
			hw.logger.Warn("health check failed", "asset_id", id, "error", err)
			continue
		}
		if hw.onCheck != nil {
			hw.onCheck(a)
		}
	}
}

// pending reports the number of queued assets.
func (hw *HealthWatcher) pending() int {
	hw.changeQueueMu.Lock()
	defer hw.changeQueueMu.Unlock()
	return len(hw.changeQueue)
}

// assetIDFromPath extracts the asset id from a storage file name.
func assetIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	id := strings.TrimSuffix(name, filepath.Ext(name))
	if id == "" {
		return "", false
	}
	return id, true
}

// hidden reports whether name is a dot file or directory, such as the
// staging directory.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
