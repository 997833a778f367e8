package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/flash"
	"notifyd/internal/httpapi"
	"notifyd/internal/ledger"
	"notifyd/internal/payload"
	"notifyd/internal/provider"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Scheduler
	var (
		out schedule.Config
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"scheduler.sweep_every", sc.SweepEvery, &out.SweepEvery, schedule.DefaultSweepEvery},
		{"scheduler.late_tolerance", sc.LateTolerance, &out.LateTolerance, schedule.DefaultLateTolerance},
		{"scheduler.lookahead", sc.Lookahead, &out.Lookahead, schedule.DefaultLookahead},
		{"scheduler.early_skip", sc.EarlySkip, &out.EarlySkip, schedule.DefaultEarlySkip},
		{"scheduler.min_timer_lead", sc.MinTimerLead, &out.MinTimerLead, schedule.DefaultMinTimerLead},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return schedule.Config{}, err
		}
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Workers:        4,
		QueueSize:      256,
		// Fan-out outlives this deadline; see dispatch.Config.Budget.
		DefaultTimeout: 10 * time.Minute,
		HistorySize:    200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, out.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, dispatch.DefaultRetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, dispatch.DefaultRetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("dispatch.android_ttl", dc.AndroidTTL, payload.DefaultAndroidTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	if dc.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	return dispatch.Config{
		RatePerSec:        dc.RatePerSec,
		Burst:             dc.Burst,
		SendTimeout:       sendTimeout,
		RetryMax:          dc.RetryMax,
		RetryBase:         retryBase,
		RetryMaxDelay:     retryMaxDelay,
		FallbackLanguages: dc.FallbackLanguages,
		Payload: payload.Options{
			TitleMax:   dc.TitleMax,
			BodyMax:    dc.BodyMax,
			Sound:      dc.Sound,
			AndroidTTL: ttl,
		},
	}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	w, err := config.ParseDurationOrDefault("ledger.dedup_window", cfg.Ledger.DedupWindow, ledger.DefaultDedupWindow)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{DedupWindow: w}, nil
}

func mapFlashConfig(cfg *config.Config, loc *time.Location) flash.Config {
	return flash.Config{
		SelectionViewCap:  cfg.Flash.SelectionViewCap,
		Location:          loc,
		FallbackLanguages: cfg.Dispatch.FallbackLanguages,
	}
}

// mapProviderDriver picks the push backend. Changing it requires a restart.
func mapProviderDriver(cfg *config.Config) (provider.Driver, error) {
	pc := cfg.Providers
	switch strings.ToLower(strings.TrimSpace(pc.Driver)) {
	case "", "fcm":
		return provider.FCMDriver{}, nil
	case "sns":
		return provider.SNSDriver{
			Region:               strings.TrimSpace(pc.SNS.Region),
			PlatformApplications: pc.SNS.PlatformApplications,
		}, nil
	default:
		return nil, fmt.Errorf("unknown providers.driver: %s", pc.Driver)
	}
}

func mapProviderConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		Environment:    strings.TrimSpace(cfg.Environment),
		Brands:         cfg.Providers.Brands,
		CredentialDirs: cfg.Providers.CredentialDirs,
		DefaultBrand:   cfg.Providers.DefaultBrand,
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validate runs every mapper so a hot reload is rejected before commit when
// any section would fail to apply.
func validate(cfg *config.Config) error {
	if _, err := mapLocation(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProviderDriver(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
