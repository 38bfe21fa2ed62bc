package config

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Dynamic serves hot-reloadable match settings. The matching engine and the
// lockout controller read a snapshot on every cycle, so edits to the config
// file take effect without a restart. Only the match section is reloaded;
// storage mode is still read once at startup by storage.Open.
type Dynamic struct {
	path    string
	current atomic.Pointer[MatchConfig]
	mtime   atomic.Int64
}

// NewDynamic wraps the already-loaded match settings for the given file.
func NewDynamic(path string, initial MatchConfig) *Dynamic {
	d := &Dynamic{path: path}
	d.current.Store(&initial)
	if fi, err := os.Stat(path); err == nil {
		d.mtime.Store(fi.ModTime().UnixNano())
	}
	return d
}

// Snapshot returns the current match settings. The returned value is a copy;
// callers hold it for at most one cycle.
func (d *Dynamic) Snapshot() MatchConfig {
	return *d.current.Load()
}

// Watch polls the config file and swaps in new match settings when the file
// changes. Call in a goroutine; returns when ctx is done.
func (d *Dynamic) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reload()
		}
	}
}

func (d *Dynamic) reload() {
	fi, err := os.Stat(d.path)
	if err != nil {
		return
	}
	mt := fi.ModTime().UnixNano()
	if mt == d.mtime.Load() {
		return
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		slog.Warn("reload match config", "error", err)
		return
	}

	var cfg struct {
		Match MatchConfig `yaml:"match"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("reload match config: parse", "error", err)
		return
	}
	if cfg.Match.RecognitionThreshold < 0 || cfg.Match.RecognitionThreshold > 1 {
		slog.Warn("reload match config: threshold out of range, keeping previous",
			"threshold", cfg.Match.RecognitionThreshold)
		return
	}

	prev := d.Snapshot()
	if cfg.Match.RecognitionThreshold == 0 {
		cfg.Match.RecognitionThreshold = prev.RecognitionThreshold
	}
	if cfg.Match.LockoutWindowMinutes == 0 {
		cfg.Match.LockoutWindowMinutes = prev.LockoutWindowMinutes
	}
	// Storage mode cannot change at runtime.
	cfg.Match.StorageMode = prev.StorageMode

	d.current.Store(&cfg.Match)
	d.mtime.Store(mt)

	slog.Info("match config reloaded",
		"threshold", cfg.Match.RecognitionThreshold,
		"lockout_minutes", cfg.Match.LockoutWindowMinutes,
	)
}
