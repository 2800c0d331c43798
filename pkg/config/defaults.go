package config

import "time"

// ConfigFileName is the file Discover searches for, walking parent
// directories from the working directory.
const ConfigFileName = "relay.yaml"

// EnvConfigFile overrides discovery with an explicit file path.
const EnvConfigFile = "NEURO_RELAY_CONFIG"

// DefaultAuthToken is the shared-secret fallback. Deployments are expected to
// override it via relay.yaml or {{.RELAY_AUTH_TOKEN}} expansion.
const DefaultAuthToken = "super-secret-token"

// DefaultBackoff is the upstream reconnect base delay when backoff_base is
// absent or unparseable.
const DefaultBackoff = time.Second

// DefaultConfig returns the built-in configuration. The loader merges the
// YAML file on top, so every field here must be safe to run with as-is.
func DefaultConfig() *Config {
	return &Config{
		Intermediary: IntermediaryConfig{
			Host:       "127.0.0.1",
			Port:       8765,
			AuthToken:  DefaultAuthToken,
			RelayQueue: "relay_queue.bin",
			UploadDir:  ".",
		},
		Backend: BackendConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		Upstream: UpstreamConfig{
			Host:        "127.0.0.1",
			Port:        8000,
			Game:        "relay-outbound",
			MaxRetries:  10,
			BackoffBase: "1s",
		},
		InterceptProxy: InterceptProxyConfig{
			Host:            "127.0.0.1",
			Port:            8767,
			MatchCommands:   []string{"startup", "actions/register", "context"},
			IntegrationName: "intercept-proxy",
		},
		Identity: IdentityConfig{
			Host: "127.0.0.1",
			Port: 3032,
		},
	}
}
