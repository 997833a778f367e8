package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the fields that would otherwise fail late (at first use).
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	case "":
		errs = append(errs, errors.New("storage.driver is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Providers.Driver)) {
	case "", "fcm":
	case "sns":
		if strings.TrimSpace(cfg.Providers.SNS.Region) == "" {
			errs = append(errs, errors.New("providers.sns.region is required when providers.driver=sns"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown providers.driver: %s", cfg.Providers.Driver))
	}

	durations := map[string]string{
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"scheduler.sweep_every":    cfg.Scheduler.SweepEvery,
		"scheduler.late_tolerance": cfg.Scheduler.LateTolerance,
		"scheduler.lookahead":      cfg.Scheduler.Lookahead,
		"scheduler.early_skip":     cfg.Scheduler.EarlySkip,
		"scheduler.min_timer_lead": cfg.Scheduler.MinTimerLead,
		"dispatch.send_timeout":    cfg.Dispatch.SendTimeout,
		"dispatch.android_ttl":     cfg.Dispatch.AndroidTTL,
		"dispatch.retry_base":      cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay": cfg.Dispatch.RetryMaxDelay,
		"ledger.dedup_window":      cfg.Ledger.DedupWindow,
		"http.read_timeout":        cfg.HTTP.ReadTimeout,
		"http.write_timeout":       cfg.HTTP.WriteTimeout,
		"http.idle_timeout":        cfg.HTTP.IdleTimeout,
	}
	if cfg.TaskEngine != nil {
		durations["task_engine.default_timeout"] = cfg.TaskEngine.DefaultTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	if cfg.Dispatch.RetryMax < 0 {
		errs = append(errs, errors.New("dispatch.retry_max must be >= 0"))
	}
	if cfg.Flash.SelectionViewCap < 0 {
		errs = append(errs, errors.New("flash.selection_view_cap must be >= 0"))
	}
	return errors.Join(errs...)
}
