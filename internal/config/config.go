package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the broker server.
type Config struct {
	BindAddress     string
	HTTPPort        int
	IdleTimeout     time.Duration
	MaxSubtasks     int
	ServerFilesDir  string
	AuditDBPath     string
	LogLevel        string
	MDNSEnabled     bool
	MDNSServiceType string
}

const (
	defaultBindAddress     = ":8111"
	defaultHTTPPort        = 8080
	defaultIdleTimeout     = 10 * time.Second
	defaultMaxSubtasks     = 10
	defaultServerFilesDir  = "data/processors"
	defaultAuditDBPath     = "data/broker.db"
	defaultLogLevel        = "info"
	defaultMDNSEnabled     = true
	defaultMDNSServiceType = "_taskbroker._tcp"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddress:     defaultBindAddress,
		HTTPPort:        defaultHTTPPort,
		IdleTimeout:     defaultIdleTimeout,
		MaxSubtasks:     defaultMaxSubtasks,
		ServerFilesDir:  defaultServerFilesDir,
		AuditDBPath:     defaultAuditDBPath,
		LogLevel:        defaultLogLevel,
		MDNSEnabled:     defaultMDNSEnabled,
		MDNSServiceType: defaultMDNSServiceType,
	}

	if v := os.Getenv("BROKER_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}

	if v := os.Getenv("BROKER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROKER_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BROKER_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROKER_IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = d
	}

	if v := os.Getenv("BROKER_MAX_SUBTASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROKER_MAX_SUBTASKS: %w", err)
		}
		cfg.MaxSubtasks = n
	}

	if v := os.Getenv("BROKER_SERVER_FILES_DIR"); v != "" {
		cfg.ServerFilesDir = v
	}

	if v := os.Getenv("BROKER_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}

	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BROKER_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROKER_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	if v := os.Getenv("BROKER_MDNS_SERVICE_TYPE"); v != "" {
		cfg.MDNSServiceType = v
	}

	return cfg, nil
}
