package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"vigilant/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/hashicorp/golang-lru/v2/expirable"
	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// Credential reference schemes
const (
	SchemeEnv   = "env:"
	SchemeFile  = "file:"
	SchemeVault = "vault:"
	SchemeAWS   = "aws:"
)

const secretCacheSize = 256

// ResolveTimeout bounds one resolution made outside a collection cycle
const ResolveTimeout = 15 * time.Second

// IsReference reports whether value names a credential instead of holding it
func IsReference(value string) bool {
	for _, scheme := range []string{SchemeEnv, SchemeFile, SchemeVault, SchemeAWS} {
		if strings.HasPrefix(value, scheme) {
			return true
		}
	}
	return false
}

// vaultReader is the part of the Vault client the resolver uses
type vaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// CredentialResolver resolves env:, file:, vault: and aws: references at
// connect time. Vault and AWS values are cached for SecretsConfig.CacheTTL;
// resolved values are never written back to configuration or storage.
type CredentialResolver struct {
	cfg    SecretsConfig
	logger *zap.SugaredLogger
	cache  *expirable.LRU[string, string]

	mu    sync.Mutex
	vault vaultReader
	aws   secretsmanageriface.SecretsManagerAPI
}

// NewCredentialResolver creates a resolver. Backend clients are created on
// first use so that configurations without vault: or aws: references need no
// credentials for them.
func NewCredentialResolver(cfg SecretsConfig, logger *zap.SugaredLogger) *CredentialResolver {
	r := &CredentialResolver{cfg: cfg, logger: logger}
	if cfg.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, string](secretCacheSize, nil, cfg.CacheTTL)
	}
	return r
}

// Resolve returns the secret a reference points to. Literals are returned unchanged.
func (r *CredentialResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, SchemeEnv):
		name := strings.TrimPrefix(ref, SchemeEnv)
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s not set", core.ErrConfig, name)
		}
		return value, nil

	case strings.HasPrefix(ref, SchemeFile):
		path := strings.TrimPrefix(ref, SchemeFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: read credential file: %v", core.ErrConfig, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil

	case strings.HasPrefix(ref, SchemeVault):
		return r.cached(ref, func() (string, error) { return r.readVault(ctx, strings.TrimPrefix(ref, SchemeVault)) })

	case strings.HasPrefix(ref, SchemeAWS):
		return r.cached(ref, func() (string, error) { return r.readAWS(ctx, strings.TrimPrefix(ref, SchemeAWS)) })

	default:
		return ref, nil
	}
}

func (r *CredentialResolver) cached(ref string, load func() (string, error)) (string, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(ref); ok {
			return v, nil
		}
	}
	v, err := load()
	if err != nil {
		return "", err
	}
	r.logger.Debugw("Resolved credential reference", "reference", ref)
	if r.cache != nil {
		r.cache.Add(ref, v)
	}
	return v, nil
}

// splitField splits "<path>#<field>"
func splitField(ref string) (string, string) {
	i := strings.LastIndex(ref, "#")
	if i < 0 {
		return ref, ""
	}
	return ref[:i], ref[i+1:]
}

func (r *CredentialResolver) readVault(ctx context.Context, ref string) (string, error) {
	path, field := splitField(ref)
	if path == "" || field == "" {
		return "", fmt.Errorf("%w: vault reference must be vault:<path>#<field>", core.ErrConfig)
	}

	client, err := r.vaultClient()
	if err != nil {
		return "", err
	}

	secret, err := client.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read from Vault: %v", core.ErrAuthentication, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: secret not found at path %s", core.ErrConfig, path)
	}

	data := secret.Data
	// KV version 2 nests the payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: key %s not found in Vault secret %s", core.ErrConfig, field, path)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: secret value for key %s is not a string", core.ErrConfig, field)
	}
	return str, nil
}

func (r *CredentialResolver) vaultClient() (vaultReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vault != nil {
		return r.vault, nil
	}

	vcfg := vault.DefaultConfig()
	if r.cfg.Vault.Address != "" {
		vcfg.Address = r.cfg.Vault.Address
	}
	if r.cfg.Vault.Timeout > 0 {
		vcfg.Timeout = r.cfg.Vault.Timeout
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %v", core.ErrConfig, err)
	}
	if r.cfg.Vault.Token != "" {
		client.SetToken(r.cfg.Vault.Token)
	}
	r.vault = client.Logical()
	return r.vault, nil
}

func (r *CredentialResolver) readAWS(ctx context.Context, ref string) (string, error) {
	secretID, field := splitField(ref)
	if secretID == "" {
		return "", fmt.Errorf("%w: aws reference must be aws:<secret-id>[#<field>]", core.ErrConfig)
	}

	client, err := r.awsClient()
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to get secret from AWS: %v", core.ErrAuthentication, err)
	}
	raw := aws.StringValue(out.SecretString)
	if field == "" {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: failed to parse AWS secret JSON: %v", core.ErrConfig, err)
	}
	value, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: key %s not found in AWS secret %s", core.ErrConfig, field, secretID)
	}
	return value, nil
}

func (r *CredentialResolver) awsClient() (secretsmanageriface.SecretsManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}

	acfg := &aws.Config{Region: aws.String(r.cfg.AWS.Region)}
	if r.cfg.AWS.AccessKey != "" && r.cfg.AWS.SecretKey != "" {
		acfg.Credentials = credentials.NewStaticCredentials(r.cfg.AWS.AccessKey, r.cfg.AWS.SecretKey, "")
	}
	sess, err := session.NewSession(acfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AWS session: %v", core.ErrConfig, err)
	}
	r.aws = secretsmanager.New(sess)
	return r.aws, nil
}
