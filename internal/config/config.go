// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerCSV      = "csv"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Capture backends.
const (
	CaptureChromedp  = "chromedp"
	CaptureDirectory = "directory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Convert     ConvertConfig     `mapstructure:"convert"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Spotify     SpotifyConfig     `mapstructure:"spotify"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// ApplicationConfig names the service for tracing resources.
type ApplicationConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int      `mapstructure:"port"`
	RequestTimeoutSeconds  int      `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WorkerConfig governs the dispatcher and the stage runner.
type WorkerConfig struct {
	Concurrency            int    `mapstructure:"concurrency"`
	QueueDepth             int    `mapstructure:"queue_depth"`
	RecognitionParallelism int    `mapstructure:"recognition_parallelism"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	TailSeconds            int    `mapstructure:"tail_seconds"`
	DefaultLimit           int    `mapstructure:"default_limit"`
	DefaultPlaylist        string `mapstructure:"default_playlist"`
}

// CaptureConfig selects and tunes the media source.
type CaptureConfig struct {
	Backend                  string `mapstructure:"backend"`
	MediaDir                 string `mapstructure:"media_dir"`
	Username                 string `mapstructure:"username"`
	Password                 string `mapstructure:"password"`
	BaseURL                  string `mapstructure:"base_url"`
	UserAgent                string `mapstructure:"user_agent"`
	Headless                 bool   `mapstructure:"headless"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	SegmentTimeoutSeconds    int    `mapstructure:"segment_timeout_seconds"`
}

// ConvertConfig locates the ffmpeg binaries.
type ConvertConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	KeepClips   bool   `mapstructure:"keep_clips"`
}

// RecognitionConfig configures the ACRCloud client.
type RecognitionConfig struct {
	Host           string  `mapstructure:"host"`
	AccessKey      string  `mapstructure:"access_key"`
	AccessSecret   string  `mapstructure:"access_secret"`
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RetryCount     int     `mapstructure:"retry_count"`
	MinScore       float64 `mapstructure:"min_score"`
}

// SpotifyConfig configures the catalog client.
type SpotifyConfig struct {
	ClientID            string `mapstructure:"client_id"`
	ClientSecret        string `mapstructure:"client_secret"`
	RefreshToken        string `mapstructure:"refresh_token"`
	APIBaseURL          string `mapstructure:"api_base_url"`
	TokenURL            string `mapstructure:"token_url"`
	PlaylistDescription string `mapstructure:"playlist_description"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	RetryCount          int    `mapstructure:"retry_count"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend            string `mapstructure:"backend"`
	Path               string `mapstructure:"path"`
	SQLitePath         string `mapstructure:"sqlite_path"`
	Table              string `mapstructure:"table"`
	LockTimeoutSeconds int    `mapstructure:"lock_timeout"`
}

// StorageConfig controls clip archiving.
type StorageConfig struct {
	ArchiveClips bool   `mapstructure:"archive_clips"`
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	BaseDir      string `mapstructure:"base_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// ReconcileConfig schedules the unresolved sweep.
type ReconcileConfig struct {
	Schedule     string   `mapstructure:"schedule"`
	Accounts     []string `mapstructure:"accounts"`
	SyncPlaylist bool     `mapstructure:"sync_playlist"`
	PlaylistName string   `mapstructure:"playlist_name"`
}

// RateLimitConfig bounds outbound catalog calls.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CredentialsConfig switches secret lookup to the OS keyring.
type CredentialsConfig struct {
	Keyring bool   `mapstructure:"keyring"`
	Service string `mapstructure:"service"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IG2SPOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.name", "ig2spotify")
	v.SetDefault("application.version", "dev")
	v.SetDefault("application.environment", "local")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("logging.development", true)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queue_depth", 16)
	v.SetDefault("worker.recognition_parallelism", 1)
	v.SetDefault("worker.max_consecutive_failures", 10)
	v.SetDefault("worker.tail_seconds", 20)
	v.SetDefault("worker.default_limit", 10)
	v.SetDefault("worker.default_playlist", "ig2spotify")
	v.SetDefault("capture.backend", CaptureChromedp)
	v.SetDefault("capture.media_dir", "media")
	v.SetDefault("capture.headless", true)
	v.SetDefault("capture.navigation_timeout_seconds", 45)
	v.SetDefault("capture.segment_timeout_seconds", 30)
	v.SetDefault("convert.ffmpeg_path", "ffmpeg")
	v.SetDefault("convert.ffprobe_path", "ffprobe")
	v.SetDefault("recognition.timeout_seconds", 10)
	v.SetDefault("recognition.retry_count", 2)
	v.SetDefault("recognition.min_score", 0)
	v.SetDefault("spotify.playlist_description", "Songs recognized from Instagram reels")
	v.SetDefault("spotify.timeout_seconds", 15)
	v.SetDefault("spotify.retry_count", 3)
	v.SetDefault("ledger.backend", LedgerCSV)
	v.SetDefault("ledger.path", "recognition_log.csv")
	v.SetDefault("ledger.sqlite_path", "ledger.db")
	v.SetDefault("ledger.table", "recognition_ledger")
	v.SetDefault("ledger.lock_timeout", 10)
	v.SetDefault("storage.archive_clips", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "clips")
	v.SetDefault("storage.base_dir", "archive")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("pubsub.backend", "memory")
	v.SetDefault("pubsub.topic_name", "ig2spotify-runs")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("credentials.service", "ig2spotify")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.RecognitionParallelism <= 0 {
		return fmt.Errorf("worker.recognition_parallelism must be > 0")
	}
	if c.Worker.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("worker.max_consecutive_failures must be > 0")
	}
	if c.Worker.DefaultLimit <= 0 {
		return fmt.Errorf("worker.default_limit must be > 0")
	}
	if c.Recognition.MinScore < 0 || c.Recognition.MinScore > 100 {
		return fmt.Errorf("recognition.min_score must be within [0, 100]")
	}
	switch c.Capture.Backend {
	case CaptureChromedp, CaptureDirectory:
	default:
		return fmt.Errorf("capture.backend must be %q or %q", CaptureChromedp, CaptureDirectory)
	}
	switch c.Ledger.Backend {
	case LedgerCSV, LedgerSQLite:
	case LedgerPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("ledger.backend must be csv, sqlite or postgres")
	}
	if c.Storage.ArchiveClips {
		switch c.Storage.Backend {
		case "local", "memory":
		case "gcs":
			if c.Storage.GCSBucket == "" {
				return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
			}
		default:
			return fmt.Errorf("storage.backend must be local, memory or gcs")
		}
	}
	switch c.PubSub.Backend {
	case "", "none", "memory":
	case "gcp":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the gcp backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be none, memory or gcp")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// LockTimeout converts the ledger lock wait into a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Ledger.LockTimeoutSeconds) * time.Second
}

// RequestTimeout is the per-request deadline applied by the API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
