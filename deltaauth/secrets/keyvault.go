package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/rs/zerolog/log"
)

// KeyVaultURLEnv names the environment variable NewKeyVaultFromEnv reads the vault URL from.
const KeyVaultURLEnv = "KeyVaultUri"

type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVault fetches secrets from Azure Key Vault. Values are cached for the
// lifetime of the fetcher.
type KeyVault struct {
	client secretGetter

	mu    sync.Mutex
	cache map[string]string
}

// NewKeyVault returns a fetcher for the vault at vaultURL. A nil credential
// selects azidentity's default credential chain (environment, workload
// identity, managed identity, Azure CLI).
func NewKeyVault(vaultURL string, cred azcore.TokenCredential) (*KeyVault, error) {
	if vaultURL == "" {
		return nil, fmt.Errorf("secrets: key vault URL is required")
	}
	if cred == nil {
		defaultCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("secrets: default azure credential: %w", err)
		}
		cred = defaultCred
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: key vault client: %w", err)
	}
	return newKeyVault(client), nil
}

// NewKeyVaultFromEnv is NewKeyVault with the URL taken from $KeyVaultUri and
// the default credential chain.
func NewKeyVaultFromEnv() (*KeyVault, error) {
	url, err := Env{}.FetchSecret(context.Background(), KeyVaultURLEnv)
	if err != nil {
		return nil, fmt.Errorf("secrets: no %s variable found: %w", KeyVaultURLEnv, err)
	}
	return NewKeyVault(url, nil)
}

func newKeyVault(client secretGetter) *KeyVault {
	return &KeyVault{client: client, cache: make(map[string]string)}
}

// FetchSecret returns the latest version of the named secret.
func (kv *KeyVault) FetchSecret(ctx context.Context, name string) (string, error) {
	kv.mu.Lock()
	v, ok := kv.cache[name]
	kv.mu.Unlock()
	if ok {
		return v, nil
	}

	resp, err := kv.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("secrets: key vault get %s: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	log.Debug().Str("secret", name).Msg("secret fetched from key vault")

	kv.mu.Lock()
	kv.cache[name] = *resp.Value
	kv.mu.Unlock()
	return *resp.Value, nil
}
