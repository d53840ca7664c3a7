package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pillbox/internal/config"
	"github.com/MrWong99/pillbox/pkg/types"
)

const watcherValidYAML = `
server:
  log_level: info
schedule:
  anchors: { morning: "08:00", afternoon: "13:00", night: "21:00" }
`

const watcherUpdatedYAML = `
server:
  log_level: debug
schedule:
  anchors: { morning: "07:00", afternoon: "13:00", night: "21:00" }
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

// startWatcher runs w until the test ends.
func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu      sync.Mutex
		gotDiff config.ConfigDiff
	)
	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		gotDiff = config.Diff(old, new)
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	// Ensure a distinct mtime on coarse filesystems.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)
	later := time.Now().Add(2 * time.Second)
	_ = os.Chtimes(cfgPath, later, later)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotDiff.LogLevelChanged || gotDiff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", gotDiff)
	}
	if !gotDiff.AnchorsChanged || gotDiff.NewAnchors.Morning != (types.ClockTime{Hour: 7}) {
		t.Errorf("anchors diff = %+v", gotDiff)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q", cur.Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu        sync.Mutex
		callCount int
	)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu        sync.Mutex
		callCount int
	)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if callCount != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", callCount)
	}
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	base := mustLoad(t, watcherValidYAML)

	if d := config.Diff(base, mustLoad(t, watcherValidYAML)); d.Changed() {
		t.Errorf("identical configs: %+v", d)
	}

	// "8:00" parses to the same anchor.
	same := mustLoad(t, `
server: { log_level: info }
schedule: { anchors: { morning: "8:00" } }
`)
	if d := config.Diff(base, same); d.AnchorsChanged {
		t.Errorf("equivalent anchors reported as changed: %+v", d)
	}

	moved := mustLoad(t, `
server: { log_level: info, listen_addr: ":9999" }
extraction: { models: [gemini-2.5-flash] }
store: { sqlite_path: /tmp/p.db }
pillbox: { device_url: "ws://box/" }
`)
	d := config.Diff(base, moved)
	want := []string{"server.listen_addr", "extraction", "pillbox", "store"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.AnchorsChanged {
		t.Errorf("hot fields reported changed: %+v", d)
	}
}
