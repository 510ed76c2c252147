package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Security   SecurityConfig   `mapstructure:"security"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// GeneralConfig contains application-wide settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP dashboard settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig configures the generation capability.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // openai
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// SearchConfig configures the web/news search client.
type SearchConfig struct {
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxResults   int           `mapstructure:"max_results"`
}

func (s SearchConfig) Validate() error {
	if strings.TrimSpace(s.SerperAPIKey) == "" {
		return fmt.Errorf("search.serper_api_key is required")
	}
	return nil
}

// CollectorsConfig configures the market/filing collectors.
type CollectorsConfig struct {
	FredAPIKey   string        `mapstructure:"fred_api_key"`
	SECUserAgent string        `mapstructure:"sec_user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (c CollectorsConfig) Validate() error {
	if strings.TrimSpace(c.SECUserAgent) == "" {
		return fmt.Errorf("collectors.sec_user_agent is required (SEC requires a descriptive User-Agent)")
	}
	return nil
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// SecurityConfig declares sandbox policy defaults.
type SecurityConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// AuditConfig selects the audit sink. An empty config disables auditing.
type AuditConfig struct {
	LogFile     string `mapstructure:"log_file"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPass   string `mapstructure:"redis_password"`
	RedisStream string `mapstructure:"redis_stream"`
}

// LoadConfig loads configuration from the given file (or the default search
// paths when path is empty) with FINSIGHT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "120s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("search.timeout", "15s")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("collectors.timeout", "30s")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("audit.redis_stream", "finsight:audit")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("FINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Env-only operation is allowed; a missing file is not fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ValidateForRun checks the sections a full research run depends on.
// Failures here are fatal at startup.
func (c *Config) ValidateForRun() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	return c.Collectors.Validate()
}
