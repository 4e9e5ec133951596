// Package oauth2 provides OAuth2 machine-to-machine and static token
// authentication for the delta-go client library. Service principals
// authenticate against the workspace's own OIDC token endpoint.
package oauth2

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ethanyzhang/delta-go"
)

// TokenPath is the workspace-relative OIDC token endpoint.
const TokenPath = "/oidc/v1/token"

// DefaultScope grants access to every workspace API.
const DefaultScope = "all-apis"

// --- Static Token ---

// NewStaticTokenOption returns a RequestOption that sets a static Bearer token
// on every request. Use this for tokens obtained out of band.
func NewStaticTokenOption(token string) delta.RequestOption {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// --- Client Credentials Flow ---

// Config holds OAuth2 client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

// WorkspaceConfig returns the client credentials configuration of a service
// principal on the given workspace.
func WorkspaceConfig(workspaceURL, clientID, clientSecret string) Config {
	return Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimRight(workspaceURL, "/") + TokenPath,
		Scopes:       []string{DefaultScope},
	}
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth2: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth2: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth2: TokenURL is required")
	}
	return nil
}

// NewRequestOption creates a RequestOption that obtains and refreshes tokens
// with the client credentials flow. The token source caches the token until
// it expires, so the option is safe for concurrent use.
func NewRequestOption(cfg Config) (delta.RequestOption, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	return TokenSource(ccCfg.TokenSource(context.Background())), nil
}

// --- DSN Integration ---

// DSN parameter names for OAuth2 configuration.
const (
	dsnAccessToken  = "access_token"
	dsnClientID     = "oauth2_client_id"
	dsnClientSecret = "oauth2_client_secret"
	dsnTokenURL     = "oauth2_token_url"
	dsnScopes       = "oauth2_scopes"
)

var oauth2DSNParams = []string{
	dsnAccessToken, dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes,
}

// parseDSN extracts OAuth2 parameters from a DSN and returns the
// appropriate RequestOption and cleaned DSN. It supports two modes:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth2_client_id and oauth2_client_secret. The
//     token URL defaults to the OIDC endpoint of the DSN's workspace and the
//     scopes default to all-apis.
func parseDSN(dsn string) (delta.RequestOption, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth2: invalid DSN: %w", err)
	}

	q := u.Query()
	accessToken := q.Get(dsnAccessToken)
	clientID := q.Get(dsnClientID)
	clientSecret := q.Get(dsnClientSecret)
	tokenURL := q.Get(dsnTokenURL)
	scopes := q.Get(dsnScopes)
	insecure := q.Get("insecure") == "true"

	// Remove OAuth2 params from query string
	for _, key := range oauth2DSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	cleanDSN := u.String()

	if accessToken != "" {
		return NewStaticTokenOption(accessToken), cleanDSN, nil
	}

	if clientID != "" {
		scheme := "https"
		if insecure {
			scheme = "http"
		}
		cfg := WorkspaceConfig(scheme+"://"+u.Host, clientID, clientSecret)
		if tokenURL != "" {
			cfg.TokenURL = tokenURL
		}
		if scopes != "" {
			parts := strings.Split(scopes, ",")
			cfg.Scopes = make([]string, 0, len(parts))
			for _, s := range parts {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					cfg.Scopes = append(cfg.Scopes, trimmed)
				}
			}
		}
		opt, err := NewRequestOption(cfg)
		if err != nil {
			return nil, "", err
		}
		return opt, cleanDSN, nil
	}

	return nil, cleanDSN, nil
}

// NewConnector creates a driver.Connector with OAuth2 authentication.
// It supports two modes via DSN parameters:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth2_client_id, oauth2_client_secret and optionally
//     oauth2_token_url and oauth2_scopes
//
// OAuth2 parameters are stripped from the DSN before passing to delta.NewConnector.
func NewConnector(dsn string, opts ...delta.ConnectorOption) (driver.Connector, error) {
	authOpt, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if authOpt != nil {
		setupOpt := delta.WithSessionSetup(func(s *delta.Session) {
			s.RequestOptions(authOpt)
		})
		opts = append([]delta.ConnectorOption{setupOpt}, opts...)
	}

	return delta.NewConnector(cleanDSN, opts...)
}

// TokenSource wraps an oauth2.TokenSource as a delta.RequestOption.
// A token that cannot be obtained leaves the request unauthenticated, so the
// API answers 401 and the failure surfaces as an *delta.ErrorResponse.
func TokenSource(ts oauth2.TokenSource) delta.RequestOption {
	ts = oauth2.ReuseTokenSource(nil, ts)
	return func(req *http.Request) {
		token, err := ts.Token()
		if err != nil {
			log.Warn().Err(err).Msg("failed to obtain OAuth2 token")
			return
		}
		token.SetAuthHeader(req)
	}
}
