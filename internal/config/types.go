package config

// Config is the root of the notifyd configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "15m"). Values of the
// form ${VAR} are expanded from the process environment after an optional
// .env file next to the config has been loaded.
type Config struct {
	// Environment selects provider credentials ("production", "staging", ...).
	Environment string `json:"environment"`
	// Timezone is the IANA zone used for calendar-day arithmetic and cron
	// expressions. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of dispatch batches.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Ledger    LedgerConfig    `json:"ledger"`
	Flash     FlashConfig     `json:"flash"`
	Providers ProvidersConfig `json:"providers"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig holds the sweep cadence and its tolerance windows.
//
// Defaults:
//   - sweep_every: "1m"
//   - late_tolerance: "15m" (older schedules are expired without sending)
//   - lookahead: "1m"
//   - early_skip: "30s" (schedules further away are left for the next tick)
//   - min_timer_lead: "2m" (closer schedules get no one-shot timer)
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepEvery    string `json:"sweep_every,omitempty"`
	LateTolerance string `json:"late_tolerance,omitempty"`
	Lookahead     string `json:"lookahead,omitempty"`
	EarlySkip     string `json:"early_skip,omitempty"`
	MinTimerLead  string `json:"min_timer_lead,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs dispatch batches.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "10m"
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatchConfig controls fan-out and payload rendering.
type DispatchConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // 0 = unlimited
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	// RetryMax extra attempts per recipient on transport errors (default 0).
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "5s"

	TitleMax int `json:"title_max,omitempty"` // default 60 runes
	BodyMax  int `json:"body_max,omitempty"`  // default 90 runes

	// FallbackLanguages is tried in order when no translation matches the
	// recipient's language. Default: ["en", "km"].
	FallbackLanguages []string `json:"fallback_languages,omitempty"`
	ImageBaseURL      string   `json:"image_base_url,omitempty"`

	AndroidTTL string `json:"android_ttl,omitempty"` // default "24h"
	Sound      string `json:"sound,omitempty"`       // default "default"
}

type LedgerConfig struct {
	DedupWindow string `json:"dedup_window,omitempty"` // default "5m"
}

type FlashConfig struct {
	// SelectionViewCap excludes templates already shown this many times in the
	// trailing 24h from best-template selection. Default 2.
	SelectionViewCap int `json:"selection_view_cap,omitempty"`
}

// ProvidersConfig configures outbound push clients.
type ProvidersConfig struct {
	Driver         string   `json:"driver"` // "fcm" (default) or "sns"
	Brands         []string `json:"brands"`
	CredentialDirs []string `json:"credential_dirs,omitempty"`
	// DefaultBrand's client serves brands that have none of their own.
	DefaultBrand string    `json:"default_brand,omitempty"`
	SNS          SNSConfig `json:"sns,omitempty"`
}

type SNSConfig struct {
	Region string `json:"region,omitempty"`
	// PlatformApplications maps "<brand>/<platform>" to a platform application ARN.
	PlatformApplications map[string]string `json:"platform_applications,omitempty"`
}

// HTTPConfig controls the admin/ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
