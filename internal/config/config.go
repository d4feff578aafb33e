// Package config provides configuration parsing and validation for the
// Wave agent: a YAML-tagged struct with environment-variable expansion
// and a Default()/Parse()/Load()/Validate() shape, covering exactly the
// fields an agent running the SOCKS5 tunnel needs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	SOCKS5  SOCKS5Config  `yaml:"socks5"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Peers   []PeerConfig  `yaml:"peers"`
	Routes  []RouteConfig `yaml:"routes"`
}

// AgentConfig holds process-wide settings.
type AgentConfig struct {
	// DataDir is where identity.LoadOrCreateKeypair persists the node's
	// identity seed (node_key). Routes live in this same config file, so
	// no separate store package is needed; see DESIGN.md.
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SOCKS5Config configures the client dispatcher's local listener (C6).
type SOCKS5Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	MaxConnections int    `yaml:"max_connections"`
}

// ServerConfig configures the peer-facing QUIC listener (C7/C8).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Enabled    bool   `yaml:"enabled"`
}

// PeerConfig is one static directory entry: a node-id and the QUIC
// address it is reachable at.
type PeerConfig struct {
	NodeID string `yaml:"node_id"`
	Addr   string `yaml:"addr"`
}

// RouteConfig is one server-side subdomain route.
type RouteConfig struct {
	Subdomain string `yaml:"subdomain"`
	// Exactly one of Host or Domain should be set.
	Host   string `yaml:"host"`
	Domain string `yaml:"domain"`
}

// Default returns a Config populated with the agent's default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		SOCKS5: SOCKS5Config{
			ListenAddr: "127.0.0.1:8182",
		},
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:8183",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
			Enabled:    true,
		},
	}
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default()
// and expanding ${VAR}/$VAR environment references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and $VAR references
// with their environment values, leaving unresolved references as-is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, collecting all of them
// before returning rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_level: %s", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_format: %s", c.Agent.LogFormat))
	}
	if c.SOCKS5.ListenAddr == "" {
		errs = append(errs, "socks5.listen_addr is required")
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}

	for i, p := range c.Peers {
		if p.NodeID == "" {
			errs = append(errs, fmt.Sprintf("peers[%d].node_id is required", i))
		}
		if p.Addr == "" {
			errs = append(errs, fmt.Sprintf("peers[%d].addr is required", i))
		}
	}

	for i, r := range c.Routes {
		if r.Subdomain == "" && i != 0 {
			// an empty subdomain is valid (the default route); nothing to check beyond parseability,
			// which router.Builder/subdomain.New will themselves reject.
		}
		if r.Host == "" && r.Domain == "" {
			errs = append(errs, fmt.Sprintf("routes[%d] needs one of host or domain", i))
		}
		if r.Host != "" && r.Domain != "" {
			errs = append(errs, fmt.Sprintf("routes[%d] must set only one of host or domain", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
