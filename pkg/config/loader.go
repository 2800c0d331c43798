package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Resolve the file path (explicit flag > $NEURO_RELAY_CONFIG > discovery)
//  2. Read the file and expand {{.VAR}} environment references
//  3. Parse YAML and merge it over built-in defaults
//  4. Resolve derived values (durations, the proxy upstream URL)
//  5. Validate all configuration
func Initialize(ctx context.Context, explicitPath string) (*Config, error) {
	path, err := resolvePath(explicitPath)
	if err != nil {
		return nil, err
	}

	log := slog.With("config_file", path)
	if path == "" {
		log = slog.With("config_file", "(defaults)")
	}
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"intermediary", cfg.Intermediary.Addr(),
		"backend", cfg.Backend.Addr(),
		"upstream", cfg.Upstream.URL(),
		"identity", cfg.Identity.Addr())

	return cfg, nil
}

// resolvePath picks the configuration file. An explicitly requested file that
// does not exist is an error; failed discovery just means defaults.
func resolvePath(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", NewLoadError(explicitPath, fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath))
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", NewLoadError(envPath, fmt.Errorf("%w: %s (from $%s)", ErrConfigNotFound, envPath, EnvConfigFile))
		}
		return envPath, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	path, found := Discover(wd)
	if !found {
		slog.Warn("No relay.yaml found, running with built-in defaults",
			"searched_from", wd)
		return "", nil
	}
	return path, nil
}

// Discover walks from dir toward the filesystem root looking for relay.yaml.
// Lets the binaries run from anywhere inside a deployment checkout.
func Discover(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// load is the internal loader (not exported). An empty path loads pure
// defaults.
func load(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewLoadError(filepath.Base(path), err)
		}

		// Expand environment variables using {{.VAR}} template syntax.
		// Note: ExpandEnv passes through original data on parse/execution
		// errors, letting the YAML parser surface a clearer message.
		data = ExpandEnv(data)

		var user Config
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, NewLoadError(filepath.Base(path), fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}

		// Merge user values over defaults (non-zero user values win).
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging configuration: %w", err)
		}
	}

	resolveUpstream(&cfg.Upstream)
	resolveInterceptProxy(&cfg.InterceptProxy, cfg.Upstream)

	return cfg, nil
}

// resolveUpstream parses the backoff duration string and clamps the retry
// budget, warning and falling back instead of failing startup.
func resolveUpstream(up *UpstreamConfig) {
	up.Backoff = DefaultBackoff
	if up.BackoffBase != "" {
		if d, err := time.ParseDuration(up.BackoffBase); err == nil && d > 0 {
			up.Backoff = d
		} else {
			slog.Warn("Invalid backoff_base in nakurity-client config, using default",
				"value", up.BackoffBase,
				"default", DefaultBackoff,
				"error", err)
		}
	}

	if up.MaxRetries <= 0 {
		slog.Warn("Invalid max_retries in nakurity-client config, using default",
			"value", up.MaxRetries,
			"default", DefaultConfig().Upstream.MaxRetries)
		up.MaxRetries = DefaultConfig().Upstream.MaxRetries
	}
}

// resolveInterceptProxy derives the proxy upstream URL from the
// nakurity-client section when not set explicitly.
func resolveInterceptProxy(ip *InterceptProxyConfig, up UpstreamConfig) {
	if ip.UpstreamURL == "" {
		ip.UpstreamURL = up.URL()
	}
}
