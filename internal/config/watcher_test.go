package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/centrum-dating/centrum/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
upstream:
  prompt: Be kind.
`

const watcherUpdatedYAML = `
server:
  log_level: debug
upstream:
  prompt: Be kind and brief.
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func newWatchedFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "centrum.yaml")
	writeFile(t, p, content)
	return p
}

// bumpMtime makes sure the next poll sees a new modification time even on
// filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(newWatchedFile(t, watcherValidYAML), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Upstream.Prompt != "Be kind." {
		t.Errorf("initial config = %+v", cfg)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	var mu sync.Mutex
	var diff config.ConfigDiff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		diff = config.Diff(old, new)
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if !diff.LogLevelChanged || diff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", diff)
	}
	if !diff.AgentChanged {
		t.Error("prompt change not detected")
	}
	if len(diff.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", diff.RestartRequired)
	}
	if w.Current().Upstream.Prompt != "Be kind and brief." {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback called %d times for invalid config", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("Current() should still hold the old config")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/centrum.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(newWatchedFile(t, watcherValidYAML), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_RecoversAfterInvalidVersion(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	called := make(chan *config.Config, 4)
	w, err := config.NewWatcher(path, func(_, new *config.Config) { called <- new }, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	time.Sleep(150 * time.Millisecond)

	writeFile(t, path, watcherUpdatedYAML)
	future := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-called:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("reloaded log level = %q", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid version after an invalid one was not picked up")
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	bumpMtime(t, path)
	select {
	case <-called:
		t.Error("callback invoked for identical content")
	case <-time.After(200 * time.Millisecond):
	}
}
