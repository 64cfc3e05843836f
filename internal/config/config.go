// Package config loads application configuration from file and environment
// and owns global logger initialization.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Upstreams UpstreamsConfig `yaml:"upstreams" mapstructure:"upstreams"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// UpstreamsConfig holds the base URLs of the three dependency services.
type UpstreamsConfig struct {
	HistoryBaseURL    string `yaml:"history_base_url" mapstructure:"history_base_url"`
	PredictionBaseURL string `yaml:"prediction_base_url" mapstructure:"prediction_base_url"`
	OfferBaseURL      string `yaml:"offer_base_url" mapstructure:"offer_base_url"`
}

// HTTPConfig tunes the resilient upstream client shared by all adapters.
type HTTPConfig struct {
	TimeoutSecs       float64 `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMS         int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	RetryableStatuses []int   `yaml:"retryable_statuses" mapstructure:"retryable_statuses"`
	ConcurrencyLimit  int     `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
}

// Timeout returns the per-call timeout as a duration.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs * float64(time.Second))
}

// Backoff returns the base backoff as a duration.
func (c HTTPConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// PipelineConfig tunes the orchestration pipeline.
type PipelineConfig struct {
	// PredictionConcurrency caps in-flight prediction calls across all
	// requests, independent of (and smaller than) the global limit.
	PredictionConcurrency int `yaml:"prediction_concurrency" mapstructure:"prediction_concurrency"`
}

// CircuitConfig tunes the optional per-upstream circuit breakers.
type CircuitConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int  `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ResetTimeout returns the breaker reset timeout as a duration.
func (c CircuitConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSecs) * time.Second
}

// StoreConfig configures the decision log backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port            int    `yaml:"port" mapstructure:"port"`
	RequestIDHeader string `yaml:"request_id_header" mapstructure:"request_id_header"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and OFFER_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OFFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("upstreams.history_base_url", "http://localhost:8001")
	v.SetDefault("upstreams.prediction_base_url", "http://localhost:8002")
	v.SetDefault("upstreams.offer_base_url", "http://localhost:8003")
	v.SetDefault("http.timeout_secs", 5.0)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_ms", 150)
	v.SetDefault("http.retryable_statuses", []int{429, 502, 503, 504})
	v.SetDefault("http.concurrency_limit", 50)
	v.SetDefault("pipeline.prediction_concurrency", 20)
	v.SetDefault("circuit.enabled", false)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "decisions.db")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_id_header", "X-Request-ID")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	for field, u := range map[string]string{
		"upstreams.history_base_url":    c.Upstreams.HistoryBaseURL,
		"upstreams.prediction_base_url": c.Upstreams.PredictionBaseURL,
		"upstreams.offer_base_url":      c.Upstreams.OfferBaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return eris.Errorf("config: %s must be an http(s) URL, got %q", field, u)
		}
	}
	if c.HTTP.TimeoutSecs <= 0 {
		return eris.New("config: http.timeout_secs must be positive")
	}
	if c.HTTP.MaxRetries < 0 {
		return eris.New("config: http.max_retries must not be negative")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
