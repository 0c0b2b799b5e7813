// Package config loads application configuration from config.yaml and
// NUTRITION_* environment variables, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	FDC           FDCConfig           `yaml:"fdc" mapstructure:"fdc"`
	OpenFoodFacts OpenFoodFactsConfig `yaml:"openfoodfacts" mapstructure:"openfoodfacts"`
	Resolver      ResolverConfig      `yaml:"resolver" mapstructure:"resolver"`
	Labels        LabelsConfig        `yaml:"labels" mapstructure:"labels"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Notion        NotionConfig        `yaml:"notion" mapstructure:"notion"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	DSN        string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns   int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns   int32  `yaml:"min_conns" mapstructure:"min_conns"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// FDCConfig holds USDA FoodData Central API settings.
type FDCConfig struct {
	APIKey  string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
	Burst   int     `yaml:"burst" mapstructure:"burst"`
}

// OpenFoodFactsConfig holds OpenFoodFacts API settings.
type OpenFoodFactsConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// ResolverConfig configures the resolution cascade.
type ResolverConfig struct {
	// PolicyFile optionally overrides the embedded policy table.
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
	// Backfill marks global-fallback writes as historical exceptions.
	Backfill bool `yaml:"backfill" mapstructure:"backfill"`
	// Prefetch >0 warms the manufacturer cache with that many concurrent
	// read-only lookups before the sequential resolve pass.
	Prefetch int `yaml:"prefetch" mapstructure:"prefetch"`
}

// LabelsConfig configures label computation.
type LabelsConfig struct {
	QAToleranceKcal float64 `yaml:"qa_tolerance_kcal" mapstructure:"qa_tolerance_kcal"`
}

// RetryConfig configures upstream lookup retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ServerConfig configures the inspection API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// NotionConfig holds Notion API credentials for run reports.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	DatabaseID string `yaml:"database_id" mapstructure:"database_id"`
}

// MonitoringConfig configures background health alerting in serve mode.
// Alerting is off until webhook_url is set.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Org               string `yaml:"org" mapstructure:"org"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	OpenTaskThreshold int    `yaml:"open_task_threshold" mapstructure:"open_task_threshold"`
	StaleRunHours     int    `yaml:"stale_run_hours" mapstructure:"stale_run_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.nutrition-autopilot")
	v.AddConfigPath("/etc/nutrition-autopilot")

	// Environment
	v.SetEnvPrefix("NUTRITION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.sqlite_path", "nutrition.db")
	v.SetDefault("fdc.base_url", "https://api.nal.usda.gov/fdc")
	v.SetDefault("fdc.rps", 2.0)
	v.SetDefault("fdc.burst", 1)
	v.SetDefault("openfoodfacts.base_url", "https://world.openfoodfacts.org")
	v.SetDefault("openfoodfacts.rps", 4.0)
	v.SetDefault("openfoodfacts.burst", 2)
	v.SetDefault("openfoodfacts.user_agent", "nutrition-autopilot/1.0")
	v.SetDefault("resolver.backfill", false)
	v.SetDefault("resolver.prefetch", 0)
	v.SetDefault("labels.qa_tolerance_kcal", 20.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.open_task_threshold", 200)
	v.SetDefault("monitoring.stale_run_hours", 48)

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

// Validate checks that the fields a command mode needs are present and sane.
func (c *Config) Validate(mode string) error {
	var problems []string

	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DSN == "" {
				problems = append(problems, "store.dsn is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "enrich", "labels", "verify", "catalog", "schedule", "status", "migrate":
		requireStore()
	case "serve":
		requireStore()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Monitoring.WebhookURL != "" && c.Monitoring.Org == "" {
			problems = append(problems, "monitoring.org is required when monitoring.webhook_url is set")
		}
	case "report":
		requireStore()
		if c.Notion.Token == "" {
			problems = append(problems, "notion.token is required")
		}
		if c.Notion.DatabaseID == "" {
			problems = append(problems, "notion.database_id is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Resolver.Prefetch < 0 {
		problems = append(problems, "resolver.prefetch must be >= 0")
	}
	if c.Labels.QAToleranceKcal < 0 {
		problems = append(problems, "labels.qa_tolerance_kcal must be >= 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
