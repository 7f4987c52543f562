package runtimeexec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ConnectionResolver maps a connection reference to the credentials it
// stands for.
type ConnectionResolver interface {
	TokenSource(ctx context.Context, connectionRef string) (oauth2.TokenSource, error)
}

// Connections resolves references either to a static token or to an OAuth2
// client credentials grant. Resolved sources are cached and reuse tokens
// until they expire.
type Connections struct {
	Static            map[string]string
	ClientCredentials map[string]clientcredentials.Config

	mu    sync.Mutex
	cache map[string]oauth2.TokenSource
}

func (c *Connections) TokenSource(ctx context.Context, connectionRef string) (oauth2.TokenSource, error) {
	ref := strings.TrimSpace(connectionRef)
	if ref == "" {
		return nil, fmt.Errorf("connection reference is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.cache[ref]; ok {
		return ts, nil
	}

	var ts oauth2.TokenSource
	if token, ok := c.Static[ref]; ok {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	} else if cfg, ok := c.ClientCredentials[ref]; ok {
		ts = oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
	} else {
		return nil, fmt.Errorf("%s: %w", ref, ErrUnknownConnection)
	}

	if c.cache == nil {
		c.cache = make(map[string]oauth2.TokenSource)
	}
	c.cache[ref] = ts
	return ts, nil
}
