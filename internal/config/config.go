package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. STOREFRONT_LOG_LEVEL.
const EnvPrefix = "STOREFRONT"

// Config holds the full application configuration.
type Config struct {
	Paths       PathsConfig       `yaml:"paths" mapstructure:"paths"`
	Routing     RoutingConfig     `yaml:"routing" mapstructure:"routing"`
	Run         RunConfig         `yaml:"run" mapstructure:"run"`
	Merge       MergeConfig       `yaml:"merge" mapstructure:"merge"`
	Storefronts StorefrontsConfig `yaml:"storefronts" mapstructure:"storefronts"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates every file the pipeline reads or writes.
type PathsConfig struct {
	Input       string `yaml:"input" mapstructure:"input"`
	InputColumn string `yaml:"input_column" mapstructure:"input_column"`
	RoutedDir   string `yaml:"routed_dir" mapstructure:"routed_dir"`
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	FailureDir  string `yaml:"failure_dir" mapstructure:"failure_dir"`
	Cache       string `yaml:"cache" mapstructure:"cache"`
	// Canonical defaults to <output_dir>/combined_permanent.parquet.
	Canonical string `yaml:"canonical" mapstructure:"canonical"`
}

// RoutingConfig configures the classifier.
type RoutingConfig struct {
	// Policy is first_match or all_matches.
	Policy string `yaml:"policy" mapstructure:"policy"`
	// Rules are evaluated in order ahead of the built-in rules.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules"`
	// ReplaceDefaults drops the built-in rules so only Rules apply.
	ReplaceDefaults bool `yaml:"replace_defaults" mapstructure:"replace_defaults"`
}

// RuleConfig routes identifiers matching every pattern to Store.
type RuleConfig struct {
	Store    string   `yaml:"store" mapstructure:"store"`
	Patterns []string `yaml:"patterns" mapstructure:"patterns"`
}

// RunConfig configures a pipeline run.
type RunConfig struct {
	// ParallelStores is how many storefronts are fetched at once.
	ParallelStores int `yaml:"parallel_stores" mapstructure:"parallel_stores"`
	// Stores limits the run to these storefronts. Empty means all.
	Stores []string `yaml:"stores" mapstructure:"stores"`
}

// MergeConfig configures reconciliation.
type MergeConfig struct {
	// Precedence is prior or latest.
	Precedence string `yaml:"precedence" mapstructure:"precedence"`
	// Mirror copies the canonical table into the run store after each merge.
	Mirror bool `yaml:"mirror" mapstructure:"mirror"`
}

// StorefrontsConfig configures storefront descriptors.
type StorefrontsConfig struct {
	// File is an optional YAML file of descriptor overrides.
	File string `yaml:"file" mapstructure:"file"`
	// References maps a reference storefront to its dataset sources
	// (local paths, http(s) or ftp URLs).
	References map[string][]string `yaml:"references" mapstructure:"references"`
}

// HTTPConfig configures the storefront HTTP client.
type HTTPConfig struct {
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	// Driver is sqlite, postgres or none.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// MonitoringConfig configures failure alerting while the server runs.
type MonitoringConfig struct {
	// WebhookURL receives alerts as JSON. Empty disables alerting.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// FailureRateThreshold is the share of failed runs that triggers an alert.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// StoreFailureRateThreshold is the share of a storefront's identifiers
	// ending in failure that triggers an alert.
	StoreFailureRateThreshold float64 `yaml:"store_failure_rate_threshold" mapstructure:"store_failure_rate_threshold"`
	CheckIntervalSecs         int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours       int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. A .env file in the
// working directory is loaded first so storefront credentials referenced as
// ${VAR} in headers and cookies are available; existing variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.input", "input/bundles.xlsx")
	v.SetDefault("paths.input_column", "bundle_id")
	v.SetDefault("paths.routed_dir", "routed")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.failure_dir", "failure_output")
	v.SetDefault("paths.cache", "cache/routing_cache.parquet")
	v.SetDefault("paths.canonical", "")
	v.SetDefault("routing.policy", "first_match")
	v.SetDefault("routing.replace_defaults", false)
	v.SetDefault("run.parallel_stores", 1)
	v.SetDefault("run.stores", []string{})
	v.SetDefault("merge.precedence", "prior")
	v.SetDefault("merge.mirror", false)
	v.SetDefault("storefronts.file", "")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "storefront-sync.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.store_failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
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

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var problems []string
	switch c.Routing.Policy {
	case "", "first_match", "all_matches":
	default:
		problems = append(problems, "routing.policy must be first_match or all_matches")
	}
	for i, r := range c.Routing.Rules {
		if r.Store == "" || len(r.Patterns) == 0 {
			problems = append(problems, fmt.Sprintf("routing.rules[%d] needs a store and at least one pattern", i))
		}
	}
	if c.Routing.ReplaceDefaults && len(c.Routing.Rules) == 0 {
		problems = append(problems, "routing.replace_defaults requires routing.rules")
	}
	switch c.Merge.Precedence {
	case "", "prior", "latest":
	default:
		problems = append(problems, "merge.precedence must be prior or latest")
	}
	switch c.Store.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite, postgres or none")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}
	if c.Run.ParallelStores < 0 {
		problems = append(problems, "run.parallel_stores must not be negative")
	}
	if c.Paths.OutputDir == "" {
		problems = append(problems, "paths.output_dir is required")
	}
	if c.Paths.FailureDir == "" {
		problems = append(problems, "paths.failure_dir is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 0 and 65535")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
