// Package secrets resolves Databricks workspace credentials from a secret
// store. The store is an explicit collaborator: callers pick a Fetcher and
// pass it in, nothing is read from process-wide state.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ethanyzhang/delta-go"
)

// Default secret names holding the workspace id, the warehouse id and the
// personal access token.
const (
	DefaultWorkspaceIdKey = "DatabricksWorkspaceId"
	DefaultWarehouseIdKey = "DatabricksWarehouseId"
	DefaultApiTokenKey    = "DatabricksApiToken"
)

// ErrSecretNotFound is returned by a Fetcher that has no secret of the given name.
var ErrSecretNotFound = errors.New("secrets: secret not found")

// Fetcher looks up a secret by name.
type Fetcher interface {
	FetchSecret(ctx context.Context, name string) (string, error)
}

// KeyOptions names the secrets Resolve reads. Empty fields fall back to the defaults.
type KeyOptions struct {
	WorkspaceId string
	WarehouseId string
	ApiToken    string
}

// DefaultKeyOptions returns the default secret names.
func DefaultKeyOptions() KeyOptions {
	return KeyOptions{
		WorkspaceId: DefaultWorkspaceIdKey,
		WarehouseId: DefaultWarehouseIdKey,
		ApiToken:    DefaultApiTokenKey,
	}
}

func (k KeyOptions) withDefaults() KeyOptions {
	d := DefaultKeyOptions()
	if k.WorkspaceId == "" {
		k.WorkspaceId = d.WorkspaceId
	}
	if k.WarehouseId == "" {
		k.WarehouseId = d.WarehouseId
	}
	if k.ApiToken == "" {
		k.ApiToken = d.ApiToken
	}
	return k
}

// Credentials identify a workspace, a warehouse on it and the token to call it with.
type Credentials struct {
	WorkspaceId string
	WarehouseId string
	Token       string
}

// WorkspaceURL returns the Azure Databricks URL of the workspace.
func (c Credentials) WorkspaceURL() string {
	return delta.WorkspaceURL(c.WorkspaceId)
}

// Resolve reads the three credential secrets. Secrets the fetcher does not
// have are reported together in a *delta.ConfigurationError; any other fetch
// failure is returned as is.
func Resolve(ctx context.Context, f Fetcher, keys KeyOptions) (Credentials, error) {
	keys = keys.withDefaults()

	var (
		creds   Credentials
		missing []string
	)
	for _, item := range []struct {
		key string
		dst *string
	}{
		{keys.WorkspaceId, &creds.WorkspaceId},
		{keys.WarehouseId, &creds.WarehouseId},
		{keys.ApiToken, &creds.Token},
	} {
		value, err := f.FetchSecret(ctx, item.key)
		if errors.Is(err, ErrSecretNotFound) || (err == nil && value == "") {
			missing = append(missing, item.key)
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("secrets: fetch %s: %w", item.key, err)
		}
		*item.dst = value
	}

	if len(missing) > 0 {
		return Credentials{}, &delta.ConfigurationError{Missing: missing}
	}
	return creds, nil
}

// NewClientFromCredentials returns a client for the credentials' workspace
// whose default session targets the credentials' warehouse.
func NewClientFromCredentials(creds Credentials) (*delta.Client, error) {
	client, err := delta.NewClient(creds.WorkspaceURL(), creds.Token)
	if err != nil {
		return nil, err
	}
	client.Warehouse(creds.WarehouseId)
	return client, nil
}

// NewClient resolves credentials from f and builds a client from them.
func NewClient(ctx context.Context, f Fetcher, keys KeyOptions) (*delta.Client, error) {
	creds, err := Resolve(ctx, f, keys)
	if err != nil {
		return nil, err
	}
	return NewClientFromCredentials(creds)
}

// --- Simple fetchers ---

// Static serves secrets from a map.
type Static map[string]string

func (s Static) FetchSecret(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Env serves secrets from environment variables. A secret is read from
// Prefix+name, then from Prefix+EnvName(name).
type Env struct {
	Prefix string
}

func (e Env) FetchSecret(_ context.Context, name string) (string, error) {
	for _, key := range []string{e.Prefix + name, e.Prefix + EnvName(name)} {
		if v, ok := os.LookupEnv(key); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Chain tries each fetcher in order and returns the first secret found.
type Chain []Fetcher

func (c Chain) FetchSecret(ctx context.Context, name string) (string, error) {
	for _, f := range c {
		v, err := f.FetchSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
		log.Debug().Str("secret", name).Msgf("secret not found in %T", f)
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// EnvName converts a secret name to its conventional environment variable
// spelling: DatabricksApiToken becomes DATABRICKS_API_TOKEN.
func EnvName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(name[i-1])
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
