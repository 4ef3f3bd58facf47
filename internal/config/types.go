package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the whole daemon configuration. Every section is optional;
// Default() fills in anything a file leaves out.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Launcher    LauncherConfig    `json:"launcher"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Notifier    NotifierConfig    `json:"notifier"`
	Systemd     SystemdConfig     `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls the dispatch loop.
//
// Tick bounds how long the loop sleeps between checks of the queue head.
type DispatchConfig struct {
	Tick string `json:"tick"`
}

// LauncherConfig controls process creation.
//
// Defaults:
//   - max_concurrent: 0 (unlimited)
//   - spawn_rate_per_sec: 0 (unlimited)
//   - inherit_output: true
//   - drain_timeout: "30s"
type LauncherConfig struct {
	MaxConcurrent   int     `json:"max_concurrent"`
	SpawnRatePerSec float64 `json:"spawn_rate_per_sec"`
	InheritOutput   bool    `json:"inherit_output"`
	WorkDir         string  `json:"work_dir,omitempty"`
	DrainTimeout    string  `json:"drain_timeout"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./batchd.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`    // "0s" keeps everything
}

// MaintenanceConfig holds cron specs for housekeeping jobs. Empty disables a job.
type MaintenanceConfig struct {
	PruneSchedule string `json:"prune_schedule"`
	StatsSchedule string `json:"stats_schedule"`
}

type NotifierConfig struct {
	Telegram TelegramNotifierConfig `json:"telegram"`
}

// TelegramNotifierConfig sends failed runs to a chat. The token is never logged.
type TelegramNotifierConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec"`
	QueueSize  int     `json:"queue_size"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./logs/batchd.log"},
		},
		Dispatch: DispatchConfig{Tick: "1s"},
		Launcher: LauncherConfig{
			InheritOutput: true,
			DrainTimeout:  "30s",
		},
		Storage: StorageConfig{
			Driver:      "none",
			Path:        "./batchd_history",
			BusyTimeout: "5s",
			Retention:   "168h",
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule: "@every 1h",
			StatsSchedule: "@every 5m",
		},
		Notifier: NotifierConfig{
			Telegram: TelegramNotifierConfig{
				RatePerSec: 1,
				QueueSize:  64,
			},
		},
		Systemd: SystemdConfig{Notify: true},
	}
}

// Durations holds the parsed duration fields.
type Durations struct {
	Tick         time.Duration
	DrainTimeout time.Duration
	BusyTimeout  time.Duration
	Retention    time.Duration
}

func (c *Config) Durations() (Durations, error) {
	var d Durations
	var err error
	if d.Tick, err = ParseDurationOrDefault("dispatch.tick", c.Dispatch.Tick, time.Second); err != nil {
		return d, err
	}
	if d.DrainTimeout, err = ParseDurationField("launcher.drain_timeout", c.Launcher.DrainTimeout); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	if d.Retention, err = ParseDurationField("storage.retention", c.Storage.Retention); err != nil {
		return d, err
	}
	return d, nil
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	if c.Launcher.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("launcher.max_concurrent must be >= 0"))
	}
	if c.Launcher.SpawnRatePerSec < 0 {
		errs = append(errs, fmt.Errorf("launcher.spawn_rate_per_sec must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	for name, spec := range map[string]string{
		"maintenance.prune_schedule": c.Maintenance.PruneSchedule,
		"maintenance.stats_schedule": c.Maintenance.StatsSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if tg := c.Notifier.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("notifier.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.chat_id is required when enabled"))
		}
		if tg.RatePerSec < 0 || tg.QueueSize < 0 {
			errs = append(errs, errors.New("notifier.telegram rate/queue must be >= 0"))
		}
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	return errors.Join(errs...)
}

// CronParser is shared with the maintenance scheduler so validation and
// scheduling accept the same specs.
func CronParser() cron.Parser { return cronParser }
