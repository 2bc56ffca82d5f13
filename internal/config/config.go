package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	// Path is the database file for sqlite.
	Path string `yaml:"path"`
}

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	// Model points at the declared model file consumed by the CLI.
	Model string `yaml:"model"`
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment before parsing so credentials can stay out of the file.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.Database.Type = normalizeDatabaseType(config.Database.Type)

	switch config.Database.Type {
	case "postgres":
		if config.Database.SSLMode == "" {
			config.Database.SSLMode = "disable"
		}
		if config.Database.Port == 0 {
			config.Database.Port = 5432
		}
	case "mysql":
		if config.Database.Port == 0 {
			config.Database.Port = 3306
		}
	case "sqlite":
		if config.Database.Path == "" {
			return nil, fmt.Errorf("sqlite config requires a path")
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}

	return &config, nil
}

// DSN builds the driver connection string for the configured engine.
func (c *Config) DSN() string {
	switch c.Database.Type {
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Database.Username,
			c.Database.Password,
			c.Database.Host,
			c.Database.Port,
			c.Database.Database,
		)
	case "sqlite":
		return c.Database.Path
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Host,
			c.Database.Port,
			c.Database.Username,
			c.Database.Password,
			c.Database.Database,
			c.Database.SSLMode,
		)
	}
}

func normalizeDatabaseType(dbType string) string {
	dbType = strings.ToLower(strings.TrimSpace(dbType))
	switch dbType {
	case "", "postgres", "postgresql":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return dbType
	}
}
