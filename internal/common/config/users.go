package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type (
	// UsersConfig configures how user ids are resolved to display names
	UsersConfig struct {
		Type     string            `yaml:"type"`     // static or db
		Names    map[string]string `yaml:"names"`    // user id -> display name, for static
		Database DatabaseConfig    `yaml:"database"` // profile database, for db
	}

	DatabaseConfig struct {
		Type     string `yaml:"type"`     // mysql, postgres, sqlite
		Host     string `yaml:"host"`     // localhost
		Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
		Password string `yaml:"password"` // password
		DBName   string `yaml:"dbname"`   // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
	}

	// AnnotationsConfig configures the annotation summary source
	AnnotationsConfig struct {
		Type    string        `yaml:"type"`     // none or http
		BaseURL string        `yaml:"base_url"` // content repository base url
		Timeout time.Duration `yaml:"timeout"`
	}
)

// GetDSN returns the connection string for the configured database type
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN()
	case "mysql":
		return c.getMySQLDSN()
	case "sqlite":
		// Ensure the directory for the SQLite database exists.
		// If the directory cannot be created, it's a fatal error.
		if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
			panic(fmt.Errorf("failed to create directory for sqlite database: %w", err))
		}
		return c.DBName // For SQLite, DBName is the file path
	default:
		return ""
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}
