package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Bursts of writes (editors save in several syscalls) collapse into one
// reload.
const reloadDebounce = 300 * time.Millisecond

// Reloadable is the subset of settings a running daemon applies without a
// restart. Listen addresses, the store mode, and network credentials are
// deliberately absent.
type Reloadable struct {
	PollingInterval time.Duration
	FetchWindow     int
	CallTimeout     time.Duration
}

// Runtime extracts the reloadable subset.
func (c *Config) Runtime() Reloadable {
	return Reloadable{
		PollingInterval: c.Polling.Interval,
		FetchWindow:     c.Polling.FetchWindow,
		CallTimeout:     c.Network.CallTimeout,
	}
}

// Watcher re-reads the config file when it changes and hands the reloadable
// subset to the registered handlers. Handlers only fire when a reloadable
// setting actually changed.
type Watcher struct {
	logger *slog.Logger
	path   string
	fsw    *fsnotify.Watcher
	stop   chan struct{}

	mu       sync.Mutex
	last     Reloadable
	handlers []func(Reloadable)
}

// NewWatcher builds a watcher seeded with the currently running settings.
func NewWatcher(logger *slog.Logger, path string, current *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logger: logger.With("component", "config"),
		path:   path,
		fsw:    fsw,
		last:   current.Runtime(),
	}, nil
}

// OnChange registers a handler for reloadable-setting changes.
func (w *Watcher) OnChange(fn func(Reloadable)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start begins watching. Stop ends it.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.path); err != nil {
		return err
	}
	w.stop = make(chan struct{})
	go w.loop()
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	if w.stop != nil {
		close(w.stop)
	}
	w.fsw.Close()
}

func (w *Watcher) loop() {
	var pending *time.Timer
	for {
		select {
		case <-w.stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current settings", "error", err)
		return
	}
	next := cfg.Runtime()

	w.mu.Lock()
	changed := next != w.last
	if changed {
		w.last = next
	}
	handlers := make([]func(Reloadable), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	if !changed {
		w.logger.Debug("config file touched, no reloadable changes", "path", w.path)
		return
	}
	for _, fn := range handlers {
		fn(next)
	}
	w.logger.Info("runtime settings reloaded",
		"polling_interval", next.PollingInterval,
		"fetch_window", next.FetchWindow,
		"call_timeout", next.CallTimeout)
}
