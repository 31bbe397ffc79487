package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the module watcher.
type WatcherConfig struct {
	// Path is the host module file to watch.
	Path string

	// DebounceDelay is how long to wait for more changes before reporting.
	DebounceDelay time.Duration

	// Logger for logging events
	Logger *slog.Logger
}

// WatchEvent reports that the host module changed on disk.
type WatchEvent struct {
	Path string

	// Removed is true when the file no longer exists.
	Removed bool

	// Hash is the SHA-256 of the new content; empty when Removed.
	Hash string
}

// Watcher watches the host module file and emits an event when its content
// changes, e.g. after the host is upgraded in place.
type Watcher struct {
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   bool

	hashMu sync.Mutex
	hash   string

	events  chan WatchEvent
	done    chan struct{}
	started bool
}

// NewWatcher creates a watcher for config.Path.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 250 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		events:  make(chan WatchEvent, 8),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the channel of watch events. It is closed when the watcher
// stops.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Start records the current content hash and begins watching. Editors and
// package managers replace files rather than write them, so the parent
// directory is watched.
func (w *Watcher) Start(ctx context.Context) error {
	if hash, err := fileHash(w.config.Path); err == nil {
		w.setHash(hash)
	}

	if err := w.watcher.Add(filepath.Dir(w.config.Path)); err != nil {
		return err
	}

	w.started = true
	go w.processEvents(ctx)

	w.logger.Info("Host module watcher started",
		"path", w.config.Path,
		"debounce", w.config.DebounceDelay)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.config.Path) {
				continue
			}
			w.pendingMu.Lock()
			w.pending = true
			w.pendingMu.Unlock()
			w.logger.Debug("Host module change detected", "op", event.Op.String())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if !w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = false
	w.pendingMu.Unlock()

	event := WatchEvent{Path: w.config.Path}
	hash, err := fileHash(w.config.Path)
	switch {
	case os.IsNotExist(err):
		event.Removed = true
		w.setHash("")
	case err != nil:
		w.logger.Warn("Failed to read host module", "path", w.config.Path, "error", err)
		return
	default:
		if w.setHash(hash) == hash {
			// Content unchanged, skip
			return
		}
		event.Hash = hash
	}

	select {
	case w.events <- event:
	case <-ctx.Done():
	default:
		w.logger.Warn("Event channel full, dropping event", "path", event.Path)
	}
}

// setHash stores hash and returns the previous value.
func (w *Watcher) setHash(hash string) string {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	prev := w.hash
	w.hash = hash
	return prev
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
