// Package config loads the static configuration of the assistant and the
// runtime settings that may change while it runs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "K8S_AI"

// Config is the static configuration, read once at startup.
type Config struct {
	Kubernetes  KubernetesConfig  `mapstructure:"kubernetes"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Forecasting ForecastingConfig `mapstructure:"forecasting"`
	GlusterFS   GlusterFSConfig   `mapstructure:"glusterfs"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Host        HostConfig        `mapstructure:"host"`
	History     HistoryConfig     `mapstructure:"history"`
	Runtime     RuntimeFileConfig `mapstructure:"runtime"`
}

type KubernetesConfig struct {
	// Kubeconfig is tried after in-cluster configuration. Empty means ~/.kube/config.
	Kubeconfig         string        `mapstructure:"kubeconfig"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
	DryRun             bool          `mapstructure:"dry_run"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// LLMConfig selects the optional language model backend.
type LLMConfig struct {
	// Backend is one of llamacpp, ollama, openai or none.
	Backend       string        `mapstructure:"backend"`
	URL           string        `mapstructure:"url"`
	Model         string        `mapstructure:"model"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   float64       `mapstructure:"temperature"`
	Timeout       time.Duration `mapstructure:"timeout"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	APIKey        string        `mapstructure:"-"`
}

type ForecastingConfig struct {
	DataPath string        `mapstructure:"data_path"`
	Interval time.Duration `mapstructure:"interval"`
	Days     int           `mapstructure:"days"`
	Resource string        `mapstructure:"resource"`
}

type GlusterFSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Command       string        `mapstructure:"command"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for the HTTP listener.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	File      string `mapstructure:"file"`
	AuditFile string `mapstructure:"audit_file"`
}

type HostConfig struct {
	DiskPath string `mapstructure:"disk_path"`
}

type HistoryConfig struct {
	// PersistFile, when set, keeps issue history across restarts.
	PersistFile string `mapstructure:"persist_file"`
}

type RuntimeFileConfig struct {
	File string `mapstructure:"file"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.monitoring_interval", "30s")
	v.SetDefault("kubernetes.dry_run", false)

	v.SetDefault("scheduler.tick_interval", "10s")
	v.SetDefault("scheduler.error_backoff", "30s")
	v.SetDefault("scheduler.stop_timeout", "5s")

	v.SetDefault("llm.backend", "llamacpp")
	v.SetDefault("llm.url", "http://localhost:8080")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.health_timeout", "2s")

	v.SetDefault("forecasting.data_path", "./forecast_data")
	v.SetDefault("forecasting.interval", "1h")
	v.SetDefault("forecasting.days", 7)
	v.SetDefault("forecasting.resource", "cpu")

	v.SetDefault("glusterfs.enabled", true)
	v.SetDefault("glusterfs.command", "gluster")
	v.SetDefault("glusterfs.check_interval", "5m")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8501)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.audit_file", "")

	v.SetDefault("host.disk_path", "/")
	v.SetDefault("history.persist_file", "")
	v.SetDefault("runtime.file", "./config/runtime_config.json")
}

// Load reads the static configuration through v. An explicit file must
// exist; otherwise config.yaml is searched in the usual places and its
// absence is not an error. Environment variables prefixed with K8S_AI
// override both.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/k8s-ai-assistant")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.LLM.Backend == "openai" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Backend) {
	case "llamacpp", "ollama", "openai", "none", "":
	default:
		return fmt.Errorf("invalid llm.backend %q", c.LLM.Backend)
	}
	switch c.Forecasting.Resource {
	case "cpu", "memory", "storage":
	default:
		return fmt.Errorf("invalid forecasting.resource %q", c.Forecasting.Resource)
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.ErrorBackoff <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port %d", c.API.Port)
	}
	return nil
}
