package config

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vigilant/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("env:SSH_PASSWORD"))
	assert.True(t, IsReference("file:/run/secrets/ssh"))
	assert.True(t, IsReference("vault:secret/data/ssh#password"))
	assert.True(t, IsReference("aws:prod/ssh#password"))
	assert.False(t, IsReference("hunter2"))
	assert.False(t, IsReference("environment"))
}

func TestCredentialResolver_EnvAndFile(t *testing.T) {
	r := NewCredentialResolver(SecretsConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	t.Setenv("WEB_PASSWORD", "hunter2")
	v, err := r.Resolve(ctx, "env:WEB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = r.Resolve(ctx, "env:VIGILANT_TEST_UNSET_VARIABLE")
	assert.ErrorIs(t, err, core.ErrConfig)

	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	v, err = r.Resolve(ctx, "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	_, err = r.Resolve(ctx, "file:"+filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, core.ErrConfig)

	v, err = r.Resolve(ctx, "plain-literal")
	require.NoError(t, err)
	assert.Equal(t, "plain-literal", v)
}

func newVaultServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/ssh":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     map[string]interface{}{"password": "kv2-secret"},
					"metadata": map[string]interface{}{"version": 3},
				},
			})
		case "/v1/kv/ssh":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"password": "kv1-secret", "port": 22},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCredentialResolver_Vault(t *testing.T) {
	var calls atomic.Int32
	srv := newVaultServer(t, &calls)

	var cfg SecretsConfig
	cfg.Vault.Address = srv.URL
	cfg.Vault.Token = "test-token"
	cfg.Vault.Timeout = 5 * time.Second
	cfg.CacheTTL = time.Minute
	r := NewCredentialResolver(cfg, zap.NewNop().Sugar())
	ctx := context.Background()

	v, err := r.Resolve(ctx, "vault:secret/data/ssh#password")
	require.NoError(t, err)
	assert.Equal(t, "kv2-secret", v)

	v, err = r.Resolve(ctx, "vault:kv/ssh#password")
	require.NoError(t, err)
	assert.Equal(t, "kv1-secret", v)

	_, err = r.Resolve(ctx, "vault:secret/data/ssh#password")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "second read comes from the cache")

	_, err = r.Resolve(ctx, "vault:kv/ssh#port")
	assert.ErrorIs(t, err, core.ErrConfig, "non-string values are rejected")

	_, err = r.Resolve(ctx, "vault:kv/ssh#missing")
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = r.Resolve(ctx, "vault:kv/ssh")
	assert.ErrorIs(t, err, core.ErrConfig, "field is required")

	_, err = r.Resolve(ctx, "vault:absent/path#password")
	assert.Error(t, err)
}

type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	secrets map[string]string
	calls   int
}

func (f *fakeSecretsManager) GetSecretValueWithContext(ctx aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	s, ok := f.secrets[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s)}, nil
}

func TestCredentialResolver_AWS(t *testing.T) {
	fake := &fakeSecretsManager{secrets: map[string]string{
		"prod/ssh":   `{"password":"aws-secret","user":"monitor"}`,
		"prod/plain": "just-a-string",
	}}
	r := NewCredentialResolver(SecretsConfig{}, zap.NewNop().Sugar())
	r.aws = fake
	ctx := context.Background()

	v, err := r.Resolve(ctx, "aws:prod/ssh#password")
	require.NoError(t, err)
	assert.Equal(t, "aws-secret", v)

	v, err = r.Resolve(ctx, "aws:prod/plain")
	require.NoError(t, err)
	assert.Equal(t, "just-a-string", v)

	_, err = r.Resolve(ctx, "aws:prod/plain#password")
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = r.Resolve(ctx, "aws:prod/ssh#missing")
	assert.ErrorIs(t, err, core.ErrConfig)

	_, err = r.Resolve(ctx, "aws:prod/absent#password")
	assert.ErrorIs(t, err, core.ErrAuthentication)

	_, _ = r.Resolve(ctx, "aws:prod/ssh#password")
	assert.Equal(t, 6, fake.calls, "no cache without a TTL")
}
