// Package config defines the gateway and orchestration configuration model
// and its YAML loader.
package config

import (
	"time"
)

// TargetProtocol is the protocol spoken toward a backend target.
type TargetProtocol string

const (
	ProtocolHTTP1 TargetProtocol = "http/1.1"
	ProtocolHTTP2 TargetProtocol = "http/2"
	ProtocolGRPC  TargetProtocol = "grpc"
)

// GrpcWireProtocol selects the gRPC flavour accepted on a route.
type GrpcWireProtocol string

const (
	GrpcWireGRPC       GrpcWireProtocol = "GRPC"
	GrpcWireGRPCWeb    GrpcWireProtocol = "GRPC_WEB"
	GrpcWireWebSockets GrpcWireProtocol = "GRPC_WEBSOCKETS"
)

// DeploymentLayout describes how route targets are resolved.
type DeploymentLayout string

const (
	LayoutSandbox DeploymentLayout = "SANDBOX"
	LayoutHosted  DeploymentLayout = "HOSTED"
	LayoutCustom  DeploymentLayout = "CUSTOM"
)

// Config is the root configuration document.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Admin    AdminConfig    `yaml:"admin"`
	Routes   []RouteConfig  `yaml:"routes"`
	Redirect []Redirect     `yaml:"redirects"`
	Rewrite  []Rewrite      `yaml:"rewrites"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
	Executor ExecutorConfig `yaml:"executor"`

	// IdleTimeoutSeconds applies per inbound connection once the protocol
	// codec is installed. Must be > 0.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// DataApiName flags bulk-data routes for enlarged HTTP/2 settings.
	DataApiName string `yaml:"data_api_name"`

	Layout DeploymentLayout `yaml:"layout"`
}

// ListenConfig is the single client-facing listen endpoint.
type ListenConfig struct {
	Address string `yaml:"address"` // e.g. ":8080"
}

// AdminConfig is the admin listener serving /metrics and /healthz.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// RouteConfig declares one entry of the static, ordered routing table.
type RouteConfig struct {
	RouteName    string           `yaml:"route_name"`
	Host         string           `yaml:"host"`
	PathPrefix   string           `yaml:"path_prefix"`
	Methods      []string         `yaml:"methods"`
	Target       TargetConfig     `yaml:"target"`
	GrpcProtocol GrpcWireProtocol `yaml:"grpc_protocol"`

	// RestServices names the gRPC services whose HTTP-rule annotations form
	// this route's REST surface. Descriptor files are loaded at startup.
	RestServices    []string `yaml:"rest_services"`
	DescriptorFiles []string `yaml:"descriptor_files"`
}

// TargetConfig is a backend address plus protocol.
type TargetConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	Protocol TargetProtocol `yaml:"protocol"`
}

// Redirect rewrites matching request paths into an HTTP redirect response.
type Redirect struct {
	Source string `yaml:"source"` // regex
	Target string `yaml:"target"`
	Status int    `yaml:"status"`
}

// Rewrite is applied to REST paths before route matching.
type Rewrite struct {
	Source string `yaml:"source"` // regex
	Target string `yaml:"target"`
}

// LoggingConfig selects the zap level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// CacheConfig configures the job cache store.
type CacheConfig struct {
	// Store is "sql" or "local".
	Store string `yaml:"store"`

	Driver string `yaml:"driver"` // e.g. "pgx"
	DSN    string `yaml:"dsn"`

	// MaxTicketDuration is the policy cap on requested ticket durations.
	MaxTicketDuration time.Duration `yaml:"max_ticket_duration"`
}

// ExecutorConfig configures the local batch executor.
type ExecutorConfig struct {
	// BatchRoot is where sandbox directories are created. Empty means the
	// OS temp dir.
	BatchRoot string `yaml:"batch_root"`

	// VenvPath, when set, is validated at service start.
	VenvPath string `yaml:"venv_path"`

	// InheritEnv lists environment variable names passed through to batch
	// processes.
	InheritEnv []string `yaml:"inherit_env"`

	// PersistSandbox keeps sandbox directories after destroy, for debugging.
	PersistSandbox bool `yaml:"persist_sandbox"`

	// StderrTailBytes caps how much of the stderr tail is scanned for a
	// well-known error line. Zero means the default.
	StderrTailBytes int `yaml:"stderr_tail_bytes"`
}

// DefaultConfig returns a Config with usable defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:             ListenConfig{Address: ":8080"},
		Admin:              AdminConfig{Address: ":9090"},
		Logging:            LoggingConfig{Level: "info"},
		IdleTimeoutSeconds: 60,
		DataApiName:        "tracdap.api.TracDataApi",
		Layout:             LayoutSandbox,
		Cache: CacheConfig{
			Store:             "local",
			MaxTicketDuration: 5 * time.Minute,
		},
	}
}
