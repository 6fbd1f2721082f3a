package broadcast

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// markerFile is touched in the shared state directory after every
// completed sync, for sibling processes that don't hold a hub connection.
const markerFile = "last-sync"

// TouchMarker records a completed sync in stateDir. Best-effort.
func TouchMarker(stateDir string) error {
	path := filepath.Join(stateDir, markerFile)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(path, []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to touch sync marker: %w", err)
	}
	return nil
}

// WatchMarker watches stateDir for sync marker updates and calls fn on
// each one. Blocks until ctx is cancelled. Events are debounced so a
// write+rename pair fires once.
func WatchMarker(ctx context.Context, stateDir string, debounce time.Duration, logger *log.Logger, fn func()) error {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := watcher.Add(stateDir); err != nil {
		return fmt.Errorf("failed to watch state directory: %w", err)
	}

	target := filepath.Join(stateDir, markerFile)
	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Restart the debounce window on every hit.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			fn()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("watcher error: %v", err)
		}
	}
}
