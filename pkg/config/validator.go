package config

import (
	"errors"
	"fmt"
	"net/url"
)

// validate performs validation on loaded, resolved configuration.
func validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validatePort("intermediary", cfg.Intermediary.Port))
	errs = append(errs, validatePort("nakurity-backend", cfg.Backend.Port))
	errs = append(errs, validatePort("nakurity-client", cfg.Upstream.Port))
	errs = append(errs, validatePort("intercept-proxy", cfg.InterceptProxy.Port))
	errs = append(errs, validatePort("nakurity-id", cfg.Identity.Port))

	if cfg.Intermediary.AuthToken == "" {
		errs = append(errs, NewValidationError("intermediary", "auth_token", ErrMissingRequiredField))
	}
	if cfg.Intermediary.RelayQueue == "" {
		errs = append(errs, NewValidationError("intermediary", "relay_queue", ErrMissingRequiredField))
	}
	if cfg.Upstream.Game == "" {
		errs = append(errs, NewValidationError("nakurity-client", "game", ErrMissingRequiredField))
	}

	if err := validateWSURL(cfg.InterceptProxy.UpstreamURL); err != nil {
		errs = append(errs, NewValidationError("intercept-proxy", "upstream_url", err))
	}
	if len(cfg.InterceptProxy.MatchCommands) == 0 {
		errs = append(errs, NewValidationError("intercept-proxy", "match_commands", ErrMissingRequiredField))
	}
	if cfg.InterceptProxy.IntegrationName == "" {
		errs = append(errs, NewValidationError("intercept-proxy", "integration_name", ErrMissingRequiredField))
	}

	return errors.Join(errs...)
}

func validatePort(section string, port int) error {
	if port < 1 || port > 65535 {
		return NewValidationError(section, "port",
			fmt.Errorf("%w: port %d outside 1-65535", ErrInvalidValue, port))
	}
	return nil
}

// validateWSURL accepts ws:// and wss:// URLs with a host component.
func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q, want ws or wss", ErrInvalidValue, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidValue, raw)
	}
	return nil
}
