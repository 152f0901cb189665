package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestRuntimeSubset(t *testing.T) {
	path := writeConfig(t, "run.yaml", "polling:\n  interval: 2s\n  fetch_window: 40\nnetwork:\n  call_timeout: 15s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got := cfg.Runtime()
	want := Reloadable{PollingInterval: 2 * time.Second, FetchWindow: 40, CallTimeout: 15 * time.Second}
	if got != want {
		t.Errorf("runtime subset = %+v, want %+v", got, want)
	}
}

func TestWatcherAppliesReloadableChanges(t *testing.T) {
	path := writeConfig(t, "live.yaml", "polling:\n  interval: 5s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(slog.Default(), path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	applied := make(chan Reloadable, 1)
	w.OnChange(func(r Reloadable) { applied <- r })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("polling:\n  interval: 1s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-applied:
		if r.PollingInterval != time.Second {
			t.Errorf("polling interval = %s, want 1s", r.PollingInterval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload never reached the handler")
	}
}

func TestWatcherSkipsNoopRewrite(t *testing.T) {
	content := "polling:\n  interval: 5s\n"
	path := writeConfig(t, "noop.yaml", content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(slog.Default(), path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	applied := make(chan Reloadable, 1)
	w.OnChange(func(r Reloadable) { applied <- r })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Same settings rewritten; the handler must stay quiet.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-applied:
		t.Fatalf("unchanged settings triggered a reload: %+v", r)
	case <-time.After(time.Second):
	}
}
