package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-runs a callback when any of a set of files changes.
type Watcher struct {
	debounce time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	files map[string]bool
}

// NewWatcher creates a watcher. A zero debounce uses DefaultDebounce.
func NewWatcher(debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
		files:    make(map[string]bool),
	}
}

// SetFiles replaces the watched file set. Directories holding the files
// are watched so editors that replace files on save are still noticed.
func (w *Watcher) SetFiles(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files = make(map[string]bool, len(files))
	for _, f := range files {
		w.files[filepath.Clean(f)] = true
	}
}

func (w *Watcher) snapshot() (files map[string]bool, dirs map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	files = make(map[string]bool, len(w.files))
	dirs = make(map[string]bool)
	for f := range w.files {
		files[f] = true
		dirs[filepath.Dir(f)] = true
	}
	return files, dirs
}

// Run blocks until ctx is done, calling onChange after watched files
// change. onChange runs on the watcher goroutine, so calls never overlap;
// after each call the watched set is refreshed from SetFiles.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	files, dirs := w.snapshot()
	watched := make(map[string]bool)
	addDirs := func(dirs map[string]bool) {
		for d := range dirs {
			if watched[d] {
				continue
			}
			if err := fw.Add(d); err != nil {
				w.logger.Warn().Err(err).Str("path", d).Msg("Failed to watch directory")
				continue
			}
			watched[d] = true
		}
	}
	addDirs(dirs)

	w.logger.Info().Int("files", len(files)).Int("dirs", len(watched)).Msg("Watching for changes")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !files[filepath.Clean(event.Name)] {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Watched file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := onChange(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Re-apply failed")
			}
			files, dirs = w.snapshot()
			addDirs(dirs)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
