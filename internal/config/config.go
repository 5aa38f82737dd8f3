// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCCAPTURE_SERVER_PORT.
const EnvPrefix = "DOCCAPTURE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Gate      GateConfig      `mapstructure:"gate"`
	Pager     PagerConfig     `mapstructure:"pager"`
	Assemble  AssembleConfig  `mapstructure:"assemble"`
	OTP       OTPConfig       `mapstructure:"otp"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Job       JobConfig       `mapstructure:"job"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	APIKey            string        `mapstructure:"api_key"`
	AllowedHosts      []string      `mapstructure:"allowed_hosts"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	EnqueueTimeout    time.Duration `mapstructure:"enqueue_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// AdmissionConfig bounds concurrent captures and per-requester starts.
type AdmissionConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	CapacityRetryAfter time.Duration `mapstructure:"capacity_retry_after"`
	IdleTTL            time.Duration `mapstructure:"idle_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// QueueConfig sizes the in-process work queue and its worker pool.
type QueueConfig struct {
	Depth   int `mapstructure:"depth"`
	Workers int `mapstructure:"workers"`
}

// BrowserConfig configures the headless browser sessions.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	Locale            string        `mapstructure:"locale"`
	Timezone          string        `mapstructure:"timezone"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
}

// GateConfig configures the access-gate state machine.
type GateConfig struct {
	Identity         string        `mapstructure:"identity"`
	MaxEmailAttempts int           `mapstructure:"max_email_attempts"`
	MaxCodeAttempts  int           `mapstructure:"max_code_attempts"`
	MaxConsentClicks int           `mapstructure:"max_consent_clicks"`
	OTPTimeout       time.Duration `mapstructure:"otp_timeout"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	Deadline         time.Duration `mapstructure:"deadline"`
	Settle           time.Duration `mapstructure:"settle"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// PagerConfig configures page discovery and capture.
type PagerConfig struct {
	MaxPages        int           `mapstructure:"max_pages"`
	Settle          time.Duration `mapstructure:"settle"`
	ChromeSelectors []string      `mapstructure:"chrome_selectors"`
}

// AssembleConfig configures document assembly.
type AssembleConfig struct {
	PaperSize   string `mapstructure:"paper_size"`
	DPI         int    `mapstructure:"dpi"`
	Orientation string `mapstructure:"orientation"`
	Quality     int    `mapstructure:"quality"`
	PageLabels  bool   `mapstructure:"page_labels"`
}

// OTPConfig points at the mailbox API that receives verification codes.
type OTPConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Inbox          string        `mapstructure:"inbox"`
	Sender         string        `mapstructure:"sender"`
	CodePattern    string        `mapstructure:"code_pattern"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Lookback       time.Duration `mapstructure:"lookback"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PreflightConfig controls the HTTP reachability check run before a session opens.
type PreflightConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JobConfig tunes orchestration of one capture job.
type JobConfig struct {
	LargeThresholdBytes int           `mapstructure:"large_threshold_bytes"`
	SessionAttempts     int           `mapstructure:"session_attempts"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	CleanupTimeout      time.Duration `mapstructure:"cleanup_timeout"`
}

// DeliveryConfig sets object prefixes for delivered artifacts.
type DeliveryConfig struct {
	OutboxPrefix   string `mapstructure:"outbox_prefix"`
	OverflowPrefix string `mapstructure:"overflow_prefix"`
}

// StorageConfig selects the blob backend for delivered artifacts.
type StorageConfig struct {
	Backend  string    `mapstructure:"backend"`
	LocalDir string    `mapstructure:"local_dir"`
	GCS      GCSConfig `mapstructure:"gcs"`
}

// GCSConfig configures the Cloud Storage backend.
type GCSConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Prefix         string        `mapstructure:"prefix"`
	SignedURLTTL   time.Duration `mapstructure:"signed_url_ttl"`
	GoogleAccessID string        `mapstructure:"google_access_id"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
}

// HistoryConfig selects where terminal job records are kept.
type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	Limit   int    `mapstructure:"limit"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the phase-event hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
	PublishEvents  bool          `mapstructure:"publish_events"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NewViper returns a Viper instance with defaults and environment overrides
// applied. Callers may bind flags to it before calling LoadViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper reads the optional config file into v, then unmarshals and validates.
func LoadViper(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_hosts", []string{})
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.enqueue_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.compress", false)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("admission.max_concurrent", 2)
	v.SetDefault("admission.cooldown", "30s")
	v.SetDefault("admission.capacity_retry_after", "30s")
	v.SetDefault("admission.idle_ttl", "10m")
	v.SetDefault("admission.sweep_interval", "1m")

	v.SetDefault("queue.depth", 16)
	v.SetDefault("queue.workers", 0)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.viewport_width", 1600)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.max_parallel", 0)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "15s")

	v.SetDefault("gate.identity", "")
	v.SetDefault("gate.max_email_attempts", 2)
	v.SetDefault("gate.max_code_attempts", 2)
	v.SetDefault("gate.max_consent_clicks", 3)
	v.SetDefault("gate.otp_timeout", "2m")
	v.SetDefault("gate.ready_timeout", "30s")
	v.SetDefault("gate.deadline", "5m")
	v.SetDefault("gate.settle", "1500ms")
	v.SetDefault("gate.poll_interval", "500ms")

	v.SetDefault("pager.max_pages", 200)
	v.SetDefault("pager.settle", "1200ms")
	v.SetDefault("pager.chrome_selectors", []string{})

	v.SetDefault("assemble.paper_size", "A4")
	v.SetDefault("assemble.dpi", 150)
	v.SetDefault("assemble.orientation", "landscape")
	v.SetDefault("assemble.quality", 85)
	v.SetDefault("assemble.page_labels", false)

	v.SetDefault("otp.base_url", "")
	v.SetDefault("otp.token", "")
	v.SetDefault("otp.inbox", "")
	v.SetDefault("otp.sender", "")
	v.SetDefault("otp.code_pattern", "")
	v.SetDefault("otp.poll_interval", "3s")
	v.SetDefault("otp.lookback", "2m")
	v.SetDefault("otp.request_timeout", "10s")

	v.SetDefault("preflight.enabled", true)
	v.SetDefault("preflight.timeout", "10s")

	v.SetDefault("job.large_threshold_bytes", 8<<20)
	v.SetDefault("job.session_attempts", 2)
	v.SetDefault("job.retry_base_delay", "1s")
	v.SetDefault("job.retry_max_delay", "5s")
	v.SetDefault("job.cleanup_timeout", "30s")

	v.SetDefault("delivery.outbox_prefix", "outbox")
	v.SetDefault("delivery.overflow_prefix", "overflow")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.gcs.signed_url_ttl", "24h")
	v.SetDefault("storage.gcs.google_access_id", "")
	v.SetDefault("storage.gcs.private_key_file", "")

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.limit", 1000)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "capture_jobs")
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "doc-capture-events")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.publish_events", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "doccapture")
	v.SetDefault("telemetry.version", "")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Admission.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("admission.max_concurrent must be > 0"))
	}
	if c.Admission.Cooldown < 0 {
		errs = append(errs, errors.New("admission.cooldown must be >= 0"))
	}
	if c.Queue.Depth < 0 || c.Queue.Workers < 0 {
		errs = append(errs, errors.New("queue.depth and queue.workers must be >= 0"))
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		errs = append(errs, errors.New("browser viewport must be positive"))
	}
	if _, err := mail.ParseAddress(c.Gate.Identity); err != nil {
		errs = append(errs, fmt.Errorf("gate.identity must be an email address: %w", err))
	}
	if c.Pager.MaxPages <= 0 {
		errs = append(errs, errors.New("pager.max_pages must be > 0"))
	}
	switch strings.ToLower(c.Assemble.Orientation) {
	case "landscape", "portrait":
	default:
		errs = append(errs, fmt.Errorf("assemble.orientation %q must be landscape or portrait", c.Assemble.Orientation))
	}
	if c.Assemble.DPI <= 0 {
		errs = append(errs, errors.New("assemble.dpi must be > 0"))
	}
	if c.OTP.BaseURL == "" || c.OTP.Inbox == "" {
		errs = append(errs, errors.New("otp.base_url and otp.inbox are required"))
	}
	if c.Job.LargeThresholdBytes <= 0 {
		errs = append(errs, errors.New("job.large_threshold_bytes must be > 0"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.History.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres history backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.backend %q", c.History.Backend))
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic are required when pubsub is enabled"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// WorkerCount returns the configured worker count, defaulting to the
// admission ceiling.
func (c Config) WorkerCount() int {
	if c.Queue.Workers > 0 {
		return c.Queue.Workers
	}
	return c.Admission.MaxConcurrent
}

// QueueDepth returns the queue capacity, never smaller than the admission
// ceiling so admitted jobs always fit.
func (c Config) QueueDepth() int {
	return max(c.Queue.Depth, c.Admission.MaxConcurrent)
}
