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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Finnhub    FinnhubConfig    `yaml:"finnhub" mapstructure:"finnhub"`
	Polygon    PolygonConfig    `yaml:"polygon" mapstructure:"polygon"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DriftThreshold       int           `yaml:"drift_threshold" mapstructure:"drift_threshold"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LLMConfig configures the classification model and its retry behavior.
type LLMConfig struct {
	APIKey           string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	Model            string        `yaml:"model" mapstructure:"model"`
	FallbackModel    string        `yaml:"fallback_model" mapstructure:"fallback_model"`
	Temperature      float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelay       time.Duration `yaml:"batch_delay" mapstructure:"batch_delay"`
	Concurrency      int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff" mapstructure:"rate_limit_backoff"`
	TransientBackoff time.Duration `yaml:"transient_backoff" mapstructure:"transient_backoff"`
}

// FinnhubConfig holds Finnhub API settings.
type FinnhubConfig struct {
	APIKey     string   `yaml:"api_key" mapstructure:"api_key"`
	Categories []string `yaml:"categories" mapstructure:"categories"`
}

// PolygonConfig holds Polygon API settings.
type PolygonConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Limit  int    `yaml:"limit" mapstructure:"limit"`
}

// FetchConfig configures the fetch and processing cycle.
type FetchConfig struct {
	Symbols         []string      `yaml:"symbols" mapstructure:"symbols"`
	WindowBuffer    time.Duration `yaml:"window_buffer" mapstructure:"window_buffer"`
	ProcessingLimit int           `yaml:"processing_limit" mapstructure:"processing_limit"`
}

// TaxonomyConfig points at an optional taxonomy override file.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("llm.base_url", "https://open.bigmodel.cn/api/paas/v4")
	v.SetDefault("llm.model", "glm-4-flash")
	v.SetDefault("llm.fallback_model", "glm-4.5-flash")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.batch_size", 5)
	v.SetDefault("llm.batch_delay", "2s")
	v.SetDefault("llm.concurrency", 2)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.rate_limit_backoff", "5s")
	v.SetDefault("llm.transient_backoff", "3s")
	v.SetDefault("finnhub.categories", []string{"general", "merger"})
	v.SetDefault("polygon.limit", 300)
	v.SetDefault("fetch.window_buffer", "0s")
	v.SetDefault("fetch.processing_limit", 20)
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.drift_threshold", 50)

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

	return &cfg, nil
}

// Validate checks that the fields a command mode depends on are usable.
// Mode is one of fetch, process, recategorize, serve.
func (c *Config) Validate(mode string) error {
	var missing []string

	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		missing = append(missing, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required")
	}

	switch mode {
	case "fetch":
		if c.Finnhub.APIKey == "" && c.Polygon.APIKey == "" {
			missing = append(missing, "at least one of finnhub.api_key or polygon.api_key is required")
		}
	case "process", "recategorize":
		if c.LLM.APIKey == "" {
			missing = append(missing, "llm.api_key is required")
		}
		if c.LLM.BatchSize < 1 {
			missing = append(missing, "llm.batch_size must be >= 1")
		}
		if c.LLM.Concurrency < 1 {
			missing = append(missing, "llm.concurrency must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
		if c.LLM.APIKey == "" {
			missing = append(missing, "llm.api_key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
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
