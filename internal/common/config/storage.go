package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type (
	// StoreConfig selects and configures the backend a session store persists to
	StoreConfig struct {
		Type     string             `yaml:"type" toml:"type"` // memory, redis, db or disk
		Redis    SessionRedisConfig `yaml:"redis" toml:"redis"`
		Database DatabaseConfig     `yaml:"database" toml:"database"`
		Disk     DiskStorageConfig  `yaml:"disk" toml:"disk"`
	}

	// SessionRedisConfig represents the Redis configuration for session storage
	SessionRedisConfig struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Username string `yaml:"username" toml:"username"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		Prefix   string `yaml:"prefix" toml:"prefix"`
		Topic    string `yaml:"topic" toml:"topic"` // invalidation channel, empty disables it
	}

	// DatabaseConfig represents the SQL database configuration for session storage
	DatabaseConfig struct {
		Type     string `yaml:"type" toml:"type"`         // mysql, postgres, sqlite
		Host     string `yaml:"host" toml:"host"`         // localhost
		Port     int    `yaml:"port" toml:"port"`         // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user" toml:"user"`         // root (for mysql), postgres (for postgres)
		Password string `yaml:"password" toml:"password"` // password
		DBName   string `yaml:"dbname" toml:"dbname"`     // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode" toml:"sslmode"`   // disable (for postgres)
	}

	// DiskStorageConfig represents the file based session storage configuration
	DiskStorageConfig struct {
		Path string `yaml:"path" toml:"path"`
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() (string, error) {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN(), nil
	case "mysql":
		return c.getMySQLDSN(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for sqlite database: %w", err)
		}
		return c.DBName, nil // For SQLite, DBName is the file path
	default:
		return "", fmt.Errorf("unsupported database type: %s", c.Type)
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
