package app

import (
	"io"
	"os"
	"strings"

	"batchd/internal/config"
	"batchd/internal/launcher"
	"batchd/internal/notify"
	"batchd/internal/storage"
	logx "batchd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config, levelOverride string) logx.Config {
	lvl := cfg.Logging.Level
	if o := strings.TrimSpace(levelOverride); o != "" {
		lvl = o
	}
	return logx.Config{
		Level:   lvl,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapLauncherConfig routes child output to the daemon's own streams when
// inherit_output is set, and discards it otherwise.
func mapLauncherConfig(cfg *config.Config, stdout io.Writer) launcher.Config {
	lc := launcher.Config{
		MaxConcurrent:   cfg.Launcher.MaxConcurrent,
		SpawnRatePerSec: cfg.Launcher.SpawnRatePerSec,
		WorkDir:         strings.TrimSpace(cfg.Launcher.WorkDir),
	}
	if cfg.Launcher.InheritOutput {
		lc.Stdout = stdout
		lc.Stderr = os.Stderr
	}
	return lc
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig, bool) {
	tg := cfg.Notifier.Telegram
	if !tg.Enabled {
		return notify.Config{}, notify.TelegramConfig{}, false
	}
	return notify.Config{RatePerSec: tg.RatePerSec, QueueSize: tg.QueueSize},
		notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID},
		true
}
