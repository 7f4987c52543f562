package runtimeexec

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

// Config names the tools stage executors shell out to and where connection
// credentials come from.
type Config struct {
	GitBin             string
	GitBaseURL         string
	DockerBin          string
	Shell              string
	RegistryUsername   string
	RegistryConnection string
	ConnectionsFile    string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		GitBin:             env.String("ANIMUS_DEPLOY_GIT_BIN", "git"),
		GitBaseURL:         env.String("ANIMUS_DEPLOY_GIT_BASE_URL", "https://github.com"),
		DockerBin:          env.String("ANIMUS_DEPLOY_DOCKER_BIN", "docker"),
		Shell:              env.String("ANIMUS_DEPLOY_SHELL", "sh"),
		RegistryUsername:   env.String("ANIMUS_DEPLOY_REGISTRY_USERNAME", ""),
		RegistryConnection: env.String("ANIMUS_DEPLOY_REGISTRY_CONNECTION", ""),
		ConnectionsFile:    env.String("ANIMUS_DEPLOY_CONNECTIONS_FILE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.GitBaseURL) == "" {
		return errors.New("ANIMUS_DEPLOY_GIT_BASE_URL is required")
	}
	if !strings.HasPrefix(c.GitBaseURL, "https://") && !strings.HasPrefix(c.GitBaseURL, "http://") {
		return fmt.Errorf("ANIMUS_DEPLOY_GIT_BASE_URL must be an http(s) URL: %q", c.GitBaseURL)
	}
	if strings.TrimSpace(c.RegistryConnection) != "" && strings.TrimSpace(c.ConnectionsFile) == "" {
		return errors.New("ANIMUS_DEPLOY_CONNECTIONS_FILE is required when a registry connection is set")
	}
	return nil
}

type connectionsFile struct {
	Connections map[string]connectionEntry `yaml:"connections"`
}

type connectionEntry struct {
	Token             string                  `yaml:"token"`
	TokenEnv          string                  `yaml:"tokenEnv"`
	ClientCredentials *clientCredentialsEntry `yaml:"clientCredentials"`
}

type clientCredentialsEntry struct {
	TokenURL        string   `yaml:"tokenURL"`
	ClientID        string   `yaml:"clientID"`
	ClientSecret    string   `yaml:"clientSecret"`
	ClientSecretEnv string   `yaml:"clientSecretEnv"`
	Scopes          []string `yaml:"scopes"`
}

// LoadConnections reads a YAML document of the form
//
//	connections:
//	  github-main:
//	    tokenEnv: GITHUB_TOKEN
//	  registry:
//	    clientCredentials:
//	      tokenURL: https://auth.example.com/token
//	      clientID: deployer
//	      clientSecretEnv: REGISTRY_CLIENT_SECRET
//
// An empty path yields an empty resolver.
func LoadConnections(path string) (*Connections, error) {
	out := &Connections{Static: map[string]string{}, ClientCredentials: map[string]clientcredentials.Config{}}
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	var doc connectionsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}
	for ref, entry := range doc.Connections {
		switch {
		case entry.ClientCredentials != nil:
			cc := entry.ClientCredentials
			secret := cc.ClientSecret
			if cc.ClientSecretEnv != "" {
				secret = os.Getenv(cc.ClientSecretEnv)
			}
			if cc.TokenURL == "" || cc.ClientID == "" || secret == "" {
				return nil, fmt.Errorf("connection %s: tokenURL, clientID and a client secret are required", ref)
			}
			out.ClientCredentials[ref] = clientcredentials.Config{
				ClientID:     cc.ClientID,
				ClientSecret: secret,
				TokenURL:     cc.TokenURL,
				Scopes:       cc.Scopes,
			}
		case entry.TokenEnv != "":
			token := os.Getenv(entry.TokenEnv)
			if token == "" {
				return nil, fmt.Errorf("connection %s: %s is not set", ref, entry.TokenEnv)
			}
			out.Static[ref] = token
		case entry.Token != "":
			out.Static[ref] = entry.Token
		default:
			return nil, fmt.Errorf("connection %s: no credentials configured", ref)
		}
	}
	return out, nil
}
