package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/amoylab/sessiond/pkg/helper"
	"github.com/amoylab/sessiond/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// SessiondConfig is the root configuration of a session server
	SessiondConfig struct {
		Server   ServerConfig    `yaml:"server" toml:"server"`
		Logger   LoggerConfig    `yaml:"logger" toml:"logger"`
		Session  SessionConfig   `yaml:"session" toml:"session"`
		Contexts []ContextConfig `yaml:"contexts" toml:"contexts"`
		Metrics  MetricsConfig   `yaml:"metrics" toml:"metrics"`
		Tracing  trace.Config    `yaml:"tracing" toml:"tracing"`
	}

	// ServerConfig represents the harness server configuration
	ServerConfig struct {
		Host            string        `yaml:"host" toml:"host"`
		Port            int           `yaml:"port" toml:"port"`
		WorkerName      string        `yaml:"worker_name" toml:"worker_name"` // routing suffix appended to issued ids
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
		PID             string        `yaml:"pid" toml:"pid"`
	}

	// SessionConfig holds the server-wide session defaults
	SessionConfig struct {
		CookieName           string        `yaml:"cookie_name" toml:"cookie_name"`
		MaxInactive          time.Duration `yaml:"max_inactive" toml:"max_inactive"`
		ScavengePeriod       time.Duration `yaml:"scavenge_period" toml:"scavenge_period"`             // store expiry timeout
		InspectionPeriod     time.Duration `yaml:"inspection_period" toml:"inspection_period"`         // inspector tick interval
		IdlePassivatePeriod  time.Duration `yaml:"idle_passivate_period" toml:"idle_passivate_period"` // store passivation timeout
		InspectorConcurrency int           `yaml:"inspector_concurrency" toml:"inspector_concurrency"`
		Store                StoreConfig   `yaml:"store" toml:"store"`
	}

	// ContextConfig describes one context and its optional overrides of the
	// server-wide session defaults
	ContextConfig struct {
		Path                string         `yaml:"path" toml:"path"`
		MaxInactive         *time.Duration `yaml:"max_inactive,omitempty" toml:"max_inactive,omitempty"`
		ScavengePeriod      *time.Duration `yaml:"scavenge_period,omitempty" toml:"scavenge_period,omitempty"`
		IdlePassivatePeriod *time.Duration `yaml:"idle_passivate_period,omitempty" toml:"idle_passivate_period,omitempty"`
		Store               *StoreConfig   `yaml:"store,omitempty" toml:"store,omitempty"`
	}

	// MetricsConfig represents the prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled"`
		Path      string    `yaml:"path" toml:"path"`
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`       // whether to compress backup files
		Color      bool   `yaml:"color" toml:"color"`             // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`   // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`     // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format" toml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig(filename string) (*SessiondConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	cfg, err := Parse(data, filepath.Ext(cfgPath))
	if err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// Parse decodes raw configuration content. ext selects the decoder: ".toml"
// uses TOML, anything else YAML. Environment placeholders are resolved first,
// then defaults are applied and the result is validated.
func Parse(data []byte, ext string) (*SessiondConfig, error) {
	data = resolveEnv(data)

	var cfg SessiondConfig
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	SetDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveEnv replaces environment variable placeholders in the config content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
