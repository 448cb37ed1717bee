package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClientType is the transport used to reach an MCP server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// Config holds the application configuration
type Config struct {
	LLM        LLMConfig
	Server     ServerConfig
	History    HistoryConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

// LLMConfig holds the settings of the remote math assistant
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	// Timeout bounds a single question; zero leaves the call unbounded.
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxTurns int           `mapstructure:"max_turns"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the LLM
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host       string          `mapstructure:"host"`
	Port       string          `mapstructure:"port"`
	SessionTTL time.Duration   `mapstructure:"session_ttl"`
	ChatLimit  RateLimitConfig `mapstructure:"chat_limit"`
}

// RateLimitConfig limits chat requests per client
type RateLimitConfig struct {
	RequestsPerMin int `mapstructure:"requests_per_min"`
	Burst          int `mapstructure:"burst"`
}

// HistoryConfig configures the optional sqlite archive. An empty DBPath keeps
// everything in memory.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetryConfig enables OpenTelemetry tracing to a file
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TracesFile string `mapstructure:"traces_file"`
}

// MCPServerConfig describes an external MCP server whose tools are offered to
// the assistant.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

const DefaultSystemPrompt = `You are an advanced math tutor and calculator.
Solve the problem the user gives you, in natural language or in mathematical notation.

Rules:
1. When asked to solve, differentiate, integrate or simplify, carry out the operation.
2. Start with the final answer, labelled "**Answer:**".
3. Follow with a concise "**Explanation:**" made of numbered steps.
4. Use Markdown: bold for labels, code blocks for longer math.
5. If the message is small talk, reply politely and briefly and ask for a math problem.
6. Use the evaluate tool for exact arithmetic when it helps. Be accurate.`

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("llm.max_turns", 5)
	v.SetDefault("llm.breaker.max_failures", 5)
	v.SetDefault("llm.breaker.timeout", 30*time.Second)
	v.SetDefault("llm.breaker.interval", 60*time.Second)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.session_ttl", 30*time.Minute)
	v.SetDefault("server.chat_limit.requests_per_min", 30)
	v.SetDefault("server.chat_limit.burst", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("telemetry.traces_file", "logs/calcai_traces.log")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. A missing file is not an error: defaults and environment
// variables (CALCAI_LLM_API_KEY, GEMINI_API_KEY, API_KEY, ...) still apply.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"log-level": "log.level",
	"db":        "history.db_path",
	"model":     "llm.model",
}

// LoadWithFlags is Load with command-line overrides. A "config" flag names the
// config file and takes precedence over CONFIG_PATH; the flags in flagKeys
// override their keys when set. fs may be nil.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	path := os.Getenv("CONFIG_PATH")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CALCAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "CALCAI_LLM_API_KEY", "GEMINI_API_KEY", "API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
