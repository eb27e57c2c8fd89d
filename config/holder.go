package config

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce collapses the burst of events an editor emits for one save.
const reloadDebounce = 100 * time.Millisecond

// Holder owns the live configuration of a running meterd. It reloads the
// file on SIGHUP or on change and hands each accepted configuration to
// the registered listeners. A file that fails validation never replaces
// the current configuration.
type Holder struct {
	path   string
	logger zerolog.Logger

	mu        sync.RWMutex
	current   *Config
	raw       []byte
	listeners []func(*Config)

	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder serving it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("load config: read %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Holder{
		path:    abs,
		logger:  logger.With().Str("component", "config").Logger(),
		current: cfg,
		raw:     raw,
		stop:    make(chan struct{}),
	}, nil
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnChange registers fn to receive every accepted configuration.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the file. An unchanged file is a no-op; an invalid one
// is reported and the previous configuration stays in force.
func (h *Holder) Reload() error {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping current config")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.RLock()
	same := bytes.Equal(raw, h.raw)
	h.mu.RUnlock()
	if same {
		h.logger.Debug().Msg("config file unchanged")
		return nil
	}

	next, err := Parse(raw)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping current config")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current, h.raw = next, raw
	listeners := append([]func(*Config){}, h.listeners...)
	h.mu.Unlock()

	h.logDiff(prev, next)
	for _, fn := range listeners {
		fn(next)
	}
	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// WatchFile reloads whenever the config file is written or replaced.
// The parent directory is watched so atomic renames are seen.
func (h *Holder) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = w

	go h.watchLoop()
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-sig:
				h.logger.Info().Msg("SIGHUP received")
				h.Reload()
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop() {
	name := filepath.Base(h.path)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			h.logger.Debug().Str("op", ev.Op.String()).Msg("config file changed")
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			h.Reload()

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")

		case <-h.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// restartFields maps each setting that only takes effect at startup to
// an accessor for comparison.
var restartFields = []struct {
	name string
	get  func(*Config) any
}{
	{"server.host", func(c *Config) any { return c.Server.Host }},
	{"server.port", func(c *Config) any { return c.Server.Port }},
	{"server.node_id", func(c *Config) any { return c.Server.NodeID }},
	{"database.driver", func(c *Config) any { return c.Database.Driver }},
	{"database.dsn", func(c *Config) any { return c.Database.DSN }},
	{"redis.addr", func(c *Config) any { return c.Redis.Addr }},
	{"journal.queue_size", func(c *Config) any { return c.Journal.QueueSize }},
	{"counters.shards", func(c *Config) any { return c.Counters.Shards }},
}

func (h *Holder) logDiff(prev, next *Config) {
	if prev.Logging.Level != next.Logging.Level {
		h.logger.Info().Str("old", prev.Logging.Level).Str("new", next.Logging.Level).Msg("log level changed")
	}
	if len(prev.Plans) != len(next.Plans) || prev.DefaultPlan != next.DefaultPlan {
		h.logger.Info().
			Int("plans", len(next.Plans)).
			Str("default_plan", next.DefaultPlan).
			Msg("plan catalog changed")
	}
	if prev.Alerts.Ladder() != next.Alerts.Ladder() {
		h.logger.Info().
			Float64("warning", next.Alerts.Warning).
			Float64("critical", next.Alerts.Critical).
			Msg("alert thresholds changed")
	}
	for _, f := range restartFields {
		if f.get(prev) != f.get(next) {
			h.logger.Warn().Str("field", f.name).Msg("setting changed but takes effect only after restart")
		}
	}
}

// ReloadableFields lists the settings applied to a running process.
func ReloadableFields() []string {
	return []string{
		"plans",
		"default_plan",
		"alerts.warning",
		"alerts.critical",
		"alerts.unusual_multiplier",
		"alerts.cost_spike_ratio",
		"alerts.rate_limit_clear_runs",
		"logging.level",
	}
}

// NonReloadableFields lists the settings that need a restart.
func NonReloadableFields() []string {
	names := make([]string, len(restartFields))
	for i, f := range restartFields {
		names[i] = f.name
	}
	return names
}
