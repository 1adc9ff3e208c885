package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Adapter string `envconfig:"ADAPTER" default:"deluge"`

	LedgerDriver string `envconfig:"LEDGER_DRIVER" default:"sqlite"`
	DBPath       string `envconfig:"DB_PATH" default:"arroyo.db"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`
	LedgerFile   string `envconfig:"LEDGER_FILE" default:"arroyo.yaml"`

	DelugeBaseURL    string `envconfig:"DELUGE_BASE_URL"`
	DelugeAPIURLPath string `envconfig:"DELUGE_API_URL_PATH" default:"/json"`
	DelugeUsername   string `envconfig:"DELUGE_USERNAME"`
	DelugePassword   string `envconfig:"DELUGE_PASSWORD"`

	PutioToken string `envconfig:"PUTIO_TOKEN"`

	TargetLabel         string        `envconfig:"TARGET_LABEL"`
	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL" default:"1m"`
	AdapterTimeout      time.Duration `envconfig:"ADAPTER_TIMEOUT" default:"30s"`
	ImportCheckInterval time.Duration `envconfig:"IMPORT_CHECK_INTERVAL" default:"5m"`
	EventBuffer         int           `envconfig:"EVENT_BUFFER" default:"64"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL   string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Sonarr ArrConfig
	Radarr ArrConfig

	Transmission struct {
		Username    string `split_words:"true"`
		Password    string `split_words:"true"`
		DownloadDir string `split_words:"true" default:"/downloads"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"arroyo"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool          `envconfig:"OTLP_INSECURE"`
		PushInterval time.Duration `split_words:"true" default:"30s"`
	}
}

// ArrConfig points at a Sonarr or Radarr instance used for import checks.
type ArrConfig struct {
	URL    string `envconfig:"URL"`
	APIKey string `envconfig:"API_KEY"`
}

// Enabled reports whether both the url and the api key are set.
func (c ArrConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != ""
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings that depend on the selected adapter and
// ledger driver.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Adapter) {
	case "deluge":
		if c.DelugeBaseURL == "" {
			errs = append(errs, errors.New("DELUGE_BASE_URL is required for the deluge adapter"))
		}
	case "putio":
		if c.PutioToken == "" {
			errs = append(errs, errors.New("PUTIO_TOKEN is required for the putio adapter"))
		}
	}

	switch strings.ToLower(c.LedgerDriver) {
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres ledger"))
		}
	case "sqlite", "memory", "file":
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.LedgerDriver))
	}

	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}

	if c.ImportCheckInterval <= 0 {
		errs = append(errs, errors.New("IMPORT_CHECK_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
