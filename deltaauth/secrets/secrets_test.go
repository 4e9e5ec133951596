package secrets

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/99designs/keyring"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanyzhang/delta-go"
)

func fullStatic() Static {
	return Static{
		DefaultWorkspaceIdKey: "1234567890",
		DefaultWarehouseIdKey: "wh-1",
		DefaultApiTokenKey:    "dapi-secret",
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		creds, err := Resolve(ctx, fullStatic(), KeyOptions{})
		require.NoError(t, err)
		assert.Equal(t, Credentials{WorkspaceId: "1234567890", WarehouseId: "wh-1", Token: "dapi-secret"}, creds)
		assert.Equal(t, "https://adb-1234567890.azuredatabricks.net", creds.WorkspaceURL())
	})

	t.Run("overridden key names", func(t *testing.T) {
		store := Static{"ws": "1", "DatabricksWarehouseId": "wh-2", "pat": "tok"}
		creds, err := Resolve(ctx, store, KeyOptions{WorkspaceId: "ws", ApiToken: "pat"})
		require.NoError(t, err)
		assert.Equal(t, "wh-2", creds.WarehouseId)
		assert.Equal(t, "tok", creds.Token)
	})

	t.Run("missing secrets are reported together", func(t *testing.T) {
		store := Static{DefaultWorkspaceIdKey: "1", DefaultWarehouseIdKey: ""}
		_, err := Resolve(ctx, store, KeyOptions{})
		var cfgErr *delta.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, []string{DefaultWarehouseIdKey, DefaultApiTokenKey}, cfgErr.Missing)
		assert.ErrorIs(t, err, delta.ErrConfiguration)
	})

	t.Run("fetch failure", func(t *testing.T) {
		_, err := Resolve(ctx, failingFetcher{errors.New("vault sealed")}, KeyOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vault sealed")
		assert.Contains(t, err.Error(), DefaultWorkspaceIdKey)
	})
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(context.Background(), fullStatic(), DefaultKeyOptions())
	require.NoError(t, err)
	assert.NoError(t, client.Validate())

	_, err = NewClient(context.Background(), Static{}, DefaultKeyOptions())
	assert.ErrorIs(t, err, delta.ErrConfiguration)
}

type failingFetcher struct{ err error }

func (f failingFetcher) FetchSecret(context.Context, string) (string, error) { return "", f.err }

func TestEnv(t *testing.T) {
	t.Setenv("APP_DatabricksWarehouseId", "wh-exact")
	t.Setenv("APP_DATABRICKS_API_TOKEN", "tok-upper")

	env := Env{Prefix: "APP_"}
	v, err := env.FetchSecret(context.Background(), "DatabricksWarehouseId")
	require.NoError(t, err)
	assert.Equal(t, "wh-exact", v)

	v, err = env.FetchSecret(context.Background(), "DatabricksApiToken")
	require.NoError(t, err)
	assert.Equal(t, "tok-upper", v)

	_, err = env.FetchSecret(context.Background(), "DatabricksWorkspaceId")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DATABRICKS_API_TOKEN", EnvName("DatabricksApiToken"))
	assert.Equal(t, "DATABRICKS_WORKSPACE_ID", EnvName("DatabricksWorkspaceId"))
	assert.Equal(t, "KEY_VAULT_URI", EnvName("KeyVaultUri"))
	assert.Equal(t, "TOKEN", EnvName("token"))
}

func TestChain(t *testing.T) {
	chain := Chain{Static{"a": "first"}, Static{"a": "second", "b": "only-second"}}
	v, err := chain.FetchSecret(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = chain.FetchSecret(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "only-second", v)

	_, err = chain.FetchSecret(context.Background(), "c")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = Chain{failingFetcher{errors.New("boom")}, Static{"a": "x"}}.FetchSecret(context.Background(), "a")
	assert.EqualError(t, err, "boom")
}

func TestKeyring(t *testing.T) {
	ring := NewKeyring(keyring.NewArrayKeyring([]keyring.Item{
		{Key: DefaultApiTokenKey, Data: []byte("dapi-from-keychain")},
	}))

	v, err := ring.FetchSecret(context.Background(), DefaultApiTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "dapi-from-keychain", v)

	_, err = ring.FetchSecret(context.Background(), DefaultWarehouseIdKey)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, ring.Store(DefaultWarehouseIdKey, "wh-9"))
	v, err = ring.FetchSecret(context.Background(), DefaultWarehouseIdKey)
	require.NoError(t, err)
	assert.Equal(t, "wh-9", v)
}

type fakeVault struct {
	secrets map[string]string
	calls   map[string]int
	err     error
}

func (f *fakeVault) GetSecret(_ context.Context, name string, version string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.calls[name]++
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}
	v, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, &azcore.ResponseError{ErrorCode: "SecretNotFound", StatusCode: http.StatusNotFound}
	}
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: &v}}, nil
}

func TestKeyVault(t *testing.T) {
	fake := &fakeVault{secrets: map[string]string{DefaultApiTokenKey: "dapi-vault"}, calls: map[string]int{}}
	kv := newKeyVault(fake)

	for range 2 {
		v, err := kv.FetchSecret(context.Background(), DefaultApiTokenKey)
		require.NoError(t, err)
		assert.Equal(t, "dapi-vault", v)
	}
	assert.Equal(t, 1, fake.calls[DefaultApiTokenKey], "values are cached")

	_, err := kv.FetchSecret(context.Background(), "Missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	failing := newKeyVault(&fakeVault{calls: map[string]int{}, err: errors.New("forbidden")})
	_, err = failing.FetchSecret(context.Background(), DefaultApiTokenKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestNewKeyVault_RequiresURL(t *testing.T) {
	_, err := NewKeyVault("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}
