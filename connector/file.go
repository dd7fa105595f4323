package connector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileChannelBuffer = 100

// DefaultPollInterval is the fallback re-read cadence for editors and
// filesystems that do not produce inotify events.
const DefaultPollInterval = 5 * time.Second

// FileConnector watches a flag-definition file on disk. The watch is placed
// on the containing directory: editors replace files by rename, and a watch
// on the old inode would go quiet after the first save.
type FileConnector struct {
	path         string
	pollInterval time.Duration
	logger       *slog.Logger

	out      chan Payload
	watcher  *fsnotify.Watcher
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewFileConnector creates a connector for path. pollInterval <= 0 uses
// DefaultPollInterval.
func NewFileConnector(path string, pollInterval time.Duration, logger *slog.Logger) *FileConnector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &FileConnector{
		path:         path,
		pollInterval: pollInterval,
		logger:       logger,
		out:          make(chan Payload, fileChannelBuffer),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
}

// Init reads the file once, emits its contents, and starts the directory
// watch. A missing or unreadable file is a fatal init error.
func (f *FileConnector) Init(ctx context.Context) error {
	body, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read flag source %q: %w", f.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(f.path), err)
	}
	f.watcher = watcher

	f.emit(ctx, Payload{Kind: KindData, Body: string(body), Metadata: f.metadata()})
	go f.run()
	return nil
}

func (f *FileConnector) Payloads() <-chan Payload {
	return f.out
}

// Shutdown tears down the watch and closes the payload channel. Idempotent.
func (f *FileConnector) Shutdown() error {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			_ = f.watcher.Close()
		}
		<-f.loopDone
		close(f.out)
	})
	return nil
}

func (f *FileConnector) run() {
	defer close(f.loopDone)

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	// Only the first read failure in a row produces an Error payload;
	// downstream keeps the last good state either way.
	failing := false

	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			f.reRead(&failing)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file watcher error", "path", f.path, "error", err)
		case <-ticker.C:
			f.reRead(&failing)
		}
	}
}

func (f *FileConnector) reRead(failing *bool) {
	body, err := os.ReadFile(f.path)
	if err != nil {
		if !*failing {
			*failing = true
			f.logger.Warn("flag source unreadable, keeping last good state", "path", f.path, "error", err)
			f.emitBlocking(Payload{Kind: KindError, Body: err.Error(), Metadata: f.metadata()})
		}
		return
	}
	*failing = false
	f.emitBlocking(Payload{Kind: KindData, Body: string(body), Metadata: f.metadata()})
}

func (f *FileConnector) emit(ctx context.Context, p Payload) {
	select {
	case f.out <- p:
	case <-ctx.Done():
	case <-f.done:
	}
}

func (f *FileConnector) emitBlocking(p Payload) {
	select {
	case f.out <- p:
	case <-f.done:
	}
}

func (f *FileConnector) metadata() map[string]any {
	return map[string]any{"source": f.path}
}
