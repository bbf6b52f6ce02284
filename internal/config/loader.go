package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${ENV} references
// and validating the result. Validation failures are fatal at startup.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can report them in context.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle_timeout_seconds must be > 0, got %d", cfg.IdleTimeoutSeconds)
	}

	switch cfg.Layout {
	case LayoutSandbox, LayoutHosted, LayoutCustom:
	default:
		return fmt.Errorf("layout must be one of SANDBOX, HOSTED, CUSTOM, got %q", cfg.Layout)
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		if rc.RouteName == "" {
			return fmt.Errorf("route %d: route_name is required", i)
		}
		if seen[rc.RouteName] {
			return fmt.Errorf("route %d: duplicate route_name %q", i, rc.RouteName)
		}
		seen[rc.RouteName] = true

		if rc.PathPrefix == "" || !strings.HasPrefix(rc.PathPrefix, "/") {
			return fmt.Errorf("route %q: path_prefix must start with /", rc.RouteName)
		}
		if rc.Target.Host == "" {
			return fmt.Errorf("route %q: target.host is required", rc.RouteName)
		}
		if rc.Target.Port <= 0 || rc.Target.Port > 65535 {
			return fmt.Errorf("route %q: target.port %d out of range", rc.RouteName, rc.Target.Port)
		}

		switch rc.Target.Protocol {
		case ProtocolHTTP1, ProtocolHTTP2, ProtocolGRPC:
		default:
			return fmt.Errorf("route %q: unknown target.protocol %q", rc.RouteName, rc.Target.Protocol)
		}

		switch rc.GrpcProtocol {
		case "", GrpcWireGRPC, GrpcWireGRPCWeb, GrpcWireWebSockets:
		default:
			return fmt.Errorf("route %q: unknown grpc_protocol %q", rc.RouteName, rc.GrpcProtocol)
		}

		for _, m := range rc.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %q: invalid HTTP method %q", rc.RouteName, m)
			}
		}
	}

	for i, rd := range cfg.Redirect {
		if _, err := regexp.Compile(rd.Source); err != nil {
			return fmt.Errorf("redirect %d: invalid source regex: %w", i, err)
		}
		if rd.Status < 300 || rd.Status > 399 {
			return fmt.Errorf("redirect %d: status %d is not a redirect status", i, rd.Status)
		}
	}
	for i, rw := range cfg.Rewrite {
		if _, err := regexp.Compile(rw.Source); err != nil {
			return fmt.Errorf("rewrite %d: invalid source regex: %w", i, err)
		}
	}

	if cfg.Cache.Store != "sql" && cfg.Cache.Store != "local" {
		return fmt.Errorf("cache.store must be \"sql\" or \"local\", got %q", cfg.Cache.Store)
	}
	if cfg.Cache.Store == "sql" && cfg.Cache.DSN == "" {
		return fmt.Errorf("cache.dsn is required for the sql store")
	}
	if cfg.Cache.MaxTicketDuration <= 0 {
		return fmt.Errorf("cache.max_ticket_duration must be > 0")
	}

	return nil
}
