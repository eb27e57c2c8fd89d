package config_test

import (
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/config"
)

func TestHolder_Get(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	got := h.Get()
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Plans[0].APICallsPerDay != 1000 {
		t.Errorf("APICallsPerDay = %d, want 1000", got.Plans[0].APICallsPerDay)
	}
}

func TestHolder_Reload(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	newContent := `
plans:
  - id: "free"
    name: "Free Plan"
    api_calls_per_day: 2000
default_plan: "free"
alerts:
  warning: 75
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	cfg := h.Get()
	if cfg.Plans[0].APICallsPerDay != 2000 {
		t.Errorf("reloaded APICallsPerDay = %d, want 2000", cfg.Plans[0].APICallsPerDay)
	}
	if cfg.Alerts.Warning != 75 {
		t.Errorf("reloaded Warning = %v, want 75", cfg.Alerts.Warning)
	}
}

func TestHolder_OnChange(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var received *config.Config
	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		received = cfg
		mu.Unlock()
	})

	newContent := validConfig() + "\nserver:\n  port: 9191\n"
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("OnChange callback was not called")
	}
	if received.Server.Port != 9191 {
		t.Errorf("callback Port = %d, want 9191", received.Server.Port)
	}
}

func TestHolder_ReloadInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	called := false
	h.OnChange(func(*config.Config) { called = true })

	if err := os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	if err := h.Reload(); err == nil {
		t.Error("Reload should fail for invalid config")
	}
	if called {
		t.Error("listeners must not run for a rejected config")
	}
	if h.Get().Database.Driver != "memory" {
		t.Errorf("should keep old config, got driver %s", h.Get().Database.Driver)
	}
}

func TestHolder_WatchFile(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	reloaded := make(chan *config.Config, 4)
	h.OnChange(func(cfg *config.Config) { reloaded <- cfg })

	if err := h.WatchFile(); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	newContent := validConfig() + "\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("file watcher did not trigger reload")
	}
	if h.Get().Logging.Level != "debug" {
		t.Errorf("after file watch, level = %s, want debug", h.Get().Logging.Level)
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if h.Get() == nil {
					t.Error("concurrent Get returned nil")
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}
	wg.Wait()
}

func TestReloadableFields(t *testing.T) {
	fields := config.ReloadableFields()
	for _, e := range []string{"plans", "default_plan", "alerts.warning"} {
		if !slices.Contains(fields, e) {
			t.Errorf("%s not in ReloadableFields", e)
		}
	}

	nonReloadable := config.NonReloadableFields()
	for _, e := range []string{"server.port", "database.dsn", "redis.addr"} {
		if !slices.Contains(nonReloadable, e) {
			t.Errorf("%s not in NonReloadableFields", e)
		}
	}
	for _, f := range fields {
		if slices.Contains(nonReloadable, f) {
			t.Errorf("%s is listed as both reloadable and non-reloadable", f)
		}
	}
}

// Helpers

func validConfig() string {
	return `
database:
  driver: "memory"

plans:
  - id: "free"
    name: "Free Plan"
    api_calls_per_minute: 60
    api_calls_per_day: 1000
default_plan: "free"
`
}

func TestHolder_UnchangedFileSkipsListeners(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}

	calls := 0
	h.OnChange(func(*config.Config) { calls++ })
	before := h.Get()

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if calls != 0 {
		t.Errorf("listeners called %d times for an unchanged file", calls)
	}
	if h.Get() != before {
		t.Error("unchanged reload replaced the config")
	}

	h.Stop()
	h.Stop()
}
