package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeChange returns the list of changed top-level sections and safe
// structured attrs for logging. Secrets (DSN, HTTP token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Environment != newCfg.Environment || oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "environment")
		attrs = append(attrs,
			logx.String("environment", newCfg.Environment),
			logx.String("timezone", newCfg.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN {
		// storage is not hot-swappable; log it so the operator knows to restart.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.sweep_every", newCfg.Scheduler.SweepEvery),
			logx.String("scheduler.late_tolerance", newCfg.Scheduler.LateTolerance),
			logx.String("scheduler.early_skip", newCfg.Scheduler.EarlySkip),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}
	if oldCfg.Ledger != newCfg.Ledger || oldCfg.Flash != newCfg.Flash {
		changed = append(changed, "quotas")
		attrs = append(attrs,
			logx.String("ledger.dedup_window", newCfg.Ledger.DedupWindow),
			logx.Int("flash.selection_view_cap", newCfg.Flash.SelectionViewCap),
		)
	}
	if !reflect.DeepEqual(oldCfg.Providers, newCfg.Providers) {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.String("providers.driver", newCfg.Providers.Driver),
			logx.Int("providers.brands", len(newCfg.Providers.Brands)),
		)
	}
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		(oldCfg.HTTP.Token == "") != (newCfg.HTTP.Token == "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	return changed, attrs
}
