package config

import (
	"strings"

	logx "batchd/pkg/logx"
)

// Sections whose changes are applied without a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"dispatch": true,
	"launcher": true,
	"notifier": true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never the telegram token), and the changed sections that only
// take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, needRestart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !hotSections[section] {
			needRestart = append(needRestart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.Dispatch.Tick) != strings.TrimSpace(newCfg.Dispatch.Tick) {
		mark("dispatch", logx.String("dispatch.tick", newCfg.Dispatch.Tick))
	}
	if oldCfg.Launcher != newCfg.Launcher {
		mark("launcher",
			logx.Int("launcher.max_concurrent", newCfg.Launcher.MaxConcurrent),
			logx.Any("launcher.spawn_rate_per_sec", newCfg.Launcher.SpawnRatePerSec),
			logx.Bool("launcher.inherit_output", newCfg.Launcher.InheritOutput),
		)
		if oldCfg.Launcher.DrainTimeout != newCfg.Launcher.DrainTimeout {
			needRestart = append(needRestart, "launcher.drain_timeout")
		}
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.retention", newCfg.Storage.Retention),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		mark("maintenance",
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.String("maintenance.stats_schedule", newCfg.Maintenance.StatsSchedule),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		ot, nt := oldCfg.Notifier.Telegram, newCfg.Notifier.Telegram
		mark("notifier",
			logx.Bool("notifier.telegram.enabled", nt.Enabled),
			logx.Bool("notifier.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Any("notifier.telegram.rate_per_sec", nt.RatePerSec),
		)
		// Only the rate is applied live.
		ot.RatePerSec, nt.RatePerSec = 0, 0
		if ot != nt {
			needRestart = append(needRestart, "notifier.telegram")
		}
	}
	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd", logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}
	return changed, attrs, needRestart
}
