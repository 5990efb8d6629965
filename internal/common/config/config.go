package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/collab/pkg/helper"
	"github.com/amoylab/collab/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// CollabServerConfig represents the collaboration server configuration
	CollabServerConfig struct {
		Port        int               `yaml:"port"`
		Logger      LoggerConfig      `yaml:"logger"`
		Collab      CollabConfig      `yaml:"collab"`
		Bus         BusConfig         `yaml:"bus"`
		Users       UsersConfig       `yaml:"users"`
		Annotations AnnotationsConfig `yaml:"annotations"`
		Auth        AuthConfig        `yaml:"auth"`
		Metrics     MetricsConfig     `yaml:"metrics"`
		Tracing     trace.Config      `yaml:"tracing"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// AuthConfig defines how the requesting user is identified. The surrounding
	// platform authenticates; this service only reads the result.
	AuthConfig struct {
		Header    string `yaml:"header"`     // header carrying the authenticated user id
		JWTSecret string `yaml:"jwt_secret"` // when set, a Bearer token's subject is used instead
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Path      string    `yaml:"path"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*CollabServerConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg CollabServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}
	cfg.setDefaults()

	return &cfg, cfgPath, nil
}

func (c *CollabServerConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 5235
	}
	c.Collab.setDefaults()
	c.Bus.setDefaults()
	if c.Users.Type == "" {
		c.Users.Type = "static"
	}
	if c.Annotations.Type == "" {
		c.Annotations.Type = "none"
	}
	if c.Annotations.Timeout <= 0 {
		c.Annotations.Timeout = 5 * time.Second
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-Remote-User"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "collab"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "collab-server"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
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
