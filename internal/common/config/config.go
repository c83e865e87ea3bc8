// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, a config file,
// and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Agents    []AgentPreset   `mapstructure:"agents"`
	Services  []ServicePreset `mapstructure:"services"`
}

// EndpointsConfig holds the listener configuration for the three endpoints.
type EndpointsConfig struct {
	Host        string `mapstructure:"host"`
	AgentPort   int    `mapstructure:"agentPort"`
	ClientPort  int    `mapstructure:"clientPort"`
	ServicePort int    `mapstructure:"servicePort"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TimeoutsConfig holds orchestrator-wide timeout settings, in seconds.
type TimeoutsConfig struct {
	Response int `mapstructure:"response"` // pending-response deadline
	Shutdown int `mapstructure:"shutdown"` // graceful shutdown budget
}

// MCPConfig holds the MCP tool server definitions.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one subprocess-backed MCP tool server.
type MCPServerConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	Env          []string `mapstructure:"env"`
	Capabilities []string `mapstructure:"capabilities"`
	AutoConnect  bool     `mapstructure:"autoConnect"`
}

// AgentPreset is a pre-configured agent entry consulted at registration time.
// Capabilities declared here union with those declared on the wire, and the
// pre-configured id is adopted.
type AgentPreset struct {
	ID           string                 `mapstructure:"id"`
	Name         string                 `mapstructure:"name"`
	Capabilities []string               `mapstructure:"capabilities"`
	Metadata     map[string]interface{} `mapstructure:"metadata"`
}

// ServicePreset is a pre-configured service entry consulted at registration.
type ServicePreset struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Capabilities []string `mapstructure:"capabilities"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoints.host", "0.0.0.0")
	v.SetDefault("endpoints.agentPort", 3000)
	v.SetDefault("endpoints.clientPort", 3001)
	v.SetDefault("endpoints.servicePort", 3002)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("timeouts.response", 30)
	v.SetDefault("timeouts.shutdown", 15)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTMESH_ prefix; the legacy
// PORT, CLIENT_PORT, SERVICE_PORT and LOG_LEVEL variables are honored too.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations (current directory, /etc/agentmesh/).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy environment names predate the AGENTMESH_ prefix.
	_ = v.BindEnv("endpoints.agentPort", "PORT", "AGENTMESH_ENDPOINTS_AGENT_PORT")
	_ = v.BindEnv("endpoints.clientPort", "CLIENT_PORT", "AGENTMESH_ENDPOINTS_CLIENT_PORT")
	_ = v.BindEnv("endpoints.servicePort", "SERVICE_PORT", "AGENTMESH_ENDPOINTS_SERVICE_PORT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "AGENTMESH_LOGGING_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	ports := map[string]int{
		"endpoints.agentPort":   cfg.Endpoints.AgentPort,
		"endpoints.clientPort":  cfg.Endpoints.ClientPort,
		"endpoints.servicePort": cfg.Endpoints.ServicePort,
	}
	seen := map[int]string{}
	for key, port := range ports {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", key))
			continue
		}
		if other, dup := seen[port]; dup {
			errs = append(errs, fmt.Sprintf("%s and %s use the same port %d", key, other, port))
		}
		seen[port] = key
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Timeouts.Response <= 0 {
		errs = append(errs, "timeouts.response must be positive")
	}
	if cfg.Timeouts.Shutdown <= 0 {
		errs = append(errs, "timeouts.shutdown must be positive")
	}

	for i, srv := range cfg.MCP.Servers {
		if srv.ID == "" {
			errs = append(errs, fmt.Sprintf("mcp.servers[%d].id is required", i))
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Sprintf("mcp.servers[%d].command is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
