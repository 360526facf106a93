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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Processes []ProcessConfig `yaml:"processes" mapstructure:"processes"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Admission AdmissionConfig `yaml:"admission" mapstructure:"admission"`
	Executor  ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Policies  PoliciesConfig  `yaml:"policies" mapstructure:"policies"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ProcessConfig declares one API consumer: its credential, permitted
// models, and admission budget.
type ProcessConfig struct {
	ID                    string   `yaml:"id" mapstructure:"id"`
	ProfileID             string   `yaml:"profile_id" mapstructure:"profile_id"`
	APIKey                string   `yaml:"api_key" mapstructure:"api_key"`
	Disabled              bool     `yaml:"disabled" mapstructure:"disabled"`
	PermittedModels       []string `yaml:"permitted_models" mapstructure:"permitted_models"`
	RequestsPerMinute     int      `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TokensPerMinute       int      `yaml:"tokens_per_minute" mapstructure:"tokens_per_minute"`
	AllowPriorityOverride bool     `yaml:"allow_priority_override" mapstructure:"allow_priority_override"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	Anthropic *AnthropicProviderConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    []OpenAIProviderConfig   `yaml:"openai" mapstructure:"openai"`
	Local     []LocalProviderConfig    `yaml:"local" mapstructure:"local"`
}

// AnthropicProviderConfig configures the Anthropic cloud family.
type AnthropicProviderConfig struct {
	Name   string   `yaml:"name" mapstructure:"name"`
	APIKey string   `yaml:"api_key" mapstructure:"api_key"`
	Models []string `yaml:"models" mapstructure:"models"`
}

// OpenAIProviderConfig configures one OpenAI-compatible cloud endpoint.
type OpenAIProviderConfig struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	APIKey  string   `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
	Models  []string `yaml:"models" mapstructure:"models"`
}

// LocalProviderConfig configures one local-inference endpoint
// (Ollama-compatible HTTP API).
type LocalProviderConfig struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
	Models  []string `yaml:"models" mapstructure:"models"`
}

// SchedulerConfig tunes the priority scheduler.
type SchedulerConfig struct {
	Workers          int           `yaml:"workers" mapstructure:"workers"`
	MaxQueueDepth    int           `yaml:"max_queue_depth" mapstructure:"max_queue_depth"`
	BandQuota        int           `yaml:"band_quota" mapstructure:"band_quota"`
	RequeueCeiling   int           `yaml:"requeue_ceiling" mapstructure:"requeue_ceiling"`
	RequeueBackoff   time.Duration `yaml:"requeue_backoff" mapstructure:"requeue_backoff"`
	MinCapacityScore float64       `yaml:"min_capacity_score" mapstructure:"min_capacity_score"`
}

// AdmissionConfig holds fallback budgets for processes that do not declare
// their own.
type AdmissionConfig struct {
	DefaultRequestsPerMinute int `yaml:"default_requests_per_minute" mapstructure:"default_requests_per_minute"`
	DefaultTokensPerMinute   int `yaml:"default_tokens_per_minute" mapstructure:"default_tokens_per_minute"`
}

// ExecutorConfig tunes upstream call behavior.
type ExecutorConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
}

// MonitorConfig tunes provider health polling and circuit breaking.
type MonitorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CircuitCooldown  time.Duration `yaml:"circuit_cooldown" mapstructure:"circuit_cooldown"`
}

// JobsConfig tunes the background job worker.
type JobsConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// PoliciesConfig points at the classification policy file.
type PoliciesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PricingConfig points at the price table file. Rates embedded in the
// main config take effect when no file is given.
type PricingConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "gateway.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_queue_depth", 256)
	v.SetDefault("scheduler.band_quota", 8)
	v.SetDefault("scheduler.requeue_ceiling", 3)
	v.SetDefault("scheduler.requeue_backoff", "250ms")
	v.SetDefault("scheduler.min_capacity_score", 0.05)
	v.SetDefault("admission.default_requests_per_minute", 60)
	v.SetDefault("admission.default_tokens_per_minute", 100000)
	v.SetDefault("executor.request_timeout", "120s")
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.initial_backoff", "500ms")
	v.SetDefault("monitor.poll_interval", "15s")
	v.SetDefault("monitor.failure_threshold", 5)
	v.SetDefault("monitor.circuit_cooldown", "30s")
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.poll_interval", "2s")
	v.SetDefault("policies.path", "policies.yaml")

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
