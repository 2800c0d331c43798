// Package config loads and validates relay.yaml, the single configuration
// file shared by every relay binary. Values resolve in three layers: built-in
// defaults, then the YAML file, then {{.VAR}} environment expansion inside it.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the fully resolved relay configuration.
type Config struct {
	Intermediary   IntermediaryConfig   `yaml:"intermediary"`
	Backend        BackendConfig        `yaml:"nakurity-backend"`
	Upstream       UpstreamConfig       `yaml:"nakurity-client"`
	InterceptProxy InterceptProxyConfig `yaml:"intercept-proxy"`
	Identity       IdentityConfig       `yaml:"nakurity-id"`
}

// IntermediaryConfig configures the broker WebSocket server.
type IntermediaryConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AuthToken  string `yaml:"auth_token"`
	RelayQueue string `yaml:"relay_queue"` // pending-delivery spill file
	UploadDir  string `yaml:"upload_dir"`  // binary frame drop directory
}

// Addr returns the host:port listen address.
func (c IntermediaryConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the ws:// URL clients dial.
func (c IntermediaryConfig) URL() string {
	return "ws://" + c.Addr()
}

// BackendConfig configures the integration-facing protocol server.
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c BackendConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UpstreamConfig configures the outbound connection to the real backend.
type UpstreamConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Game        string `yaml:"game"`
	MaxRetries  int    `yaml:"max_retries"`
	BackoffBase string `yaml:"backoff_base"` // duration string, e.g. "1s"

	// Backoff is BackoffBase parsed and clamped; populated by the loader.
	Backoff time.Duration `yaml:"-"`
}

// URL returns the ws:// URL of the upstream backend.
func (c UpstreamConfig) URL() string {
	return "ws://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// InterceptProxyConfig configures the transparent observation proxy.
type InterceptProxyConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	UpstreamURL     string   `yaml:"upstream_url"`
	MatchCommands   []string `yaml:"match_commands"`
	IntegrationName string   `yaml:"integration_name"`
}

// Addr returns the host:port listen address.
func (c InterceptProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IdentityConfig configures the identity HTTP service.
type IdentityConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c IdentityConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
