package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_TriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "init.star")
	ignored := filepath.Join(dir, "other.txt")
	for _, p := range []string{watched, ignored} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	w := NewWatcher(20*time.Millisecond, zerolog.Nop())
	w.SetFiles([]string{watched})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			fired <- struct{}{}
			return nil
		})
	}()

	// Touching an unwatched file in the same directory must not fire.
	_ = os.WriteFile(ignored, []byte("y"), 0o644)

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for triggered := false; !triggered; {
		select {
		case <-fired:
			triggered = true
		case <-tick.C:
			if err := os.WriteFile(watched, []byte(time.Now().String()), 0o644); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		case <-deadline:
			t.Fatal("watcher did not fire")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
