package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls the config file and hands every new valid version to a
// callback. Invalid versions are logged once and otherwise ignored, so the
// process keeps running on the last good config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	stamp    fileStamp
	rejected [sha256.Size]byte // content of the last invalid version

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange runs on the polling
// goroutine after each accepted change; it may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp

	go w.run()
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.stamp.modTime) && info.Size() == w.stamp.size
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, err := w.read()

	w.mu.Lock()
	if err != nil {
		repeat := stamp.sum == w.rejected
		w.rejected = stamp.sum
		w.stamp.modTime, w.stamp.size = stamp.modTime, stamp.size
		w.mu.Unlock()
		if !repeat {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
		return
	}
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.rejected = [sha256.Size]byte{}
	w.mu.Unlock()

	slog.Info("config watcher: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file. The returned stamp is filled in as far
// as the file could be read, even when err is non-nil.
func (w *Watcher) read() (*Config, fileStamp, error) {
	var stamp fileStamp
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp, err
	}
	stamp.modTime, stamp.size = info.ModTime(), info.Size()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp, err
	}
	stamp.sum = sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	return cfg, stamp, err
}
