package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw, err := env.OneOf("ANIMUS_DEPLOY_AUTH_MODE", string(ModeDev), string(ModeOIDC), string(ModeDev), string(ModeDisabled))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:          Mode(modeRaw),
		RolesClaim:    env.String("ANIMUS_DEPLOY_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("ANIMUS_DEPLOY_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("ANIMUS_DEPLOY_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("ANIMUS_DEPLOY_OIDC_CLIENT_ID", ""),
		DevSubject:    env.String("ANIMUS_DEPLOY_DEV_SUBJECT", "dev-user"),
		DevEmail:      env.String("ANIMUS_DEPLOY_DEV_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("ANIMUS_DEPLOY_DEV_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(string(c.Mode)) == "" {
		return errors.New("ANIMUS_DEPLOY_AUTH_MODE is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("ANIMUS_DEPLOY_AUTH_ROLES_CLAIM is required when auth mode is oidc")
		}
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("ANIMUS_DEPLOY_OIDC_ISSUER_URL is required when auth mode is oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("ANIMUS_DEPLOY_OIDC_CLIENT_ID is required when auth mode is oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("ANIMUS_DEPLOY_DEV_SUBJECT is required when auth mode is dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("ANIMUS_DEPLOY_DEV_ROLES must be non-empty when auth mode is dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}

	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
