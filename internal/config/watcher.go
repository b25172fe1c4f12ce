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

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file. The stat fields are
// a cheap pre-check; only sum decides whether the content changed.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.mtime.Equal(info.ModTime()) && f.size == info.Size()
}

// Watcher polls a config file and reports every new valid version. Polling
// behaves the same on bind mounts and network volumes, where change
// notifications are unreliable.
//
// Each version goes through the same environment overlay, defaults and
// validation as [Load]. An invalid version is logged and ignored; the last
// valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   func(string) (string, bool)
	log      *slog.Logger
	onChange func(old, new *Config)

	// mu serialises reloads and guards cur and fp.
	mu  sync.Mutex
	cur *Config
	fp  fingerprint

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup replaces [os.LookupEnv] as the environment source.
func WithLookup(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithWatchLogger sets the logger for reload outcomes. Defaults to
// [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once, failing if that version is invalid, and then
// polls it in the background until [Watcher.Stop]. onChange, if non-nil, runs
// on the polling goroutine after each accepted change.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		log:      slog.Default(),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.cur, w.fp = cfg, fp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config reload rejected, keeping previous version", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file now. It reports whether a new version was accepted;
// on a non-nil error the current config is unchanged. onChange runs before
// Reload returns true.
func (w *Watcher) Reload() (bool, error) {
	w.mu.Lock()
	info, err := os.Stat(w.path)
	if err != nil {
		w.mu.Unlock()
		return false, err
	}
	if w.fp.sameStat(info) {
		w.mu.Unlock()
		return false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		w.mu.Unlock()
		return false, err
	}
	if fp.sum == w.fp.sum {
		// Touched or rewritten with identical content.
		w.fp = fp
		w.mu.Unlock()
		return false, nil
	}
	old := w.cur
	w.cur, w.fp = cfg, fp
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	fp := fingerprint{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	ApplyEnv(cfg, w.lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fp, nil
}
