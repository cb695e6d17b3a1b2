package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider stores secrets in a HashiCorp Vault KV v2 mount, one secret
// per key with the value under the "value" field.
type VaultProvider struct {
	client *vault.Client
	path   string
}

// NewVaultProvider connects to the configured Vault address. VaultPath may
// carry the conventional "secret/data/" prefix; it is normalized to the
// relative path the KV v2 API expects.
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	path := cfg.VaultPath
	if path == "" {
		path = "secret/data/flowcatalyst"
	}
	path = strings.TrimSuffix(path, "/")
	// KVv2 prepends the mount and data/ segment itself.
	path = strings.TrimPrefix(path, "secret/data/")
	path = strings.TrimPrefix(path, "secret/")

	return &VaultProvider{
		client: client,
		path:   path,
	}, nil
}

// Get reads the "value" field of the secret at path/key.
func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.KVv2("secret").Get(ctx, p.path+"/"+key)
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// Set writes the secret's "value" field, creating a new version.
func (p *VaultProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.client.KVv2("secret").Put(ctx, p.path+"/"+key, map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

// Delete removes the secret and all its versions.
func (p *VaultProvider) Delete(ctx context.Context, key string) error {
	err := p.client.KVv2("secret").DeleteMetadata(ctx, p.path+"/"+key)
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

// Name returns "vault".
func (p *VaultProvider) Name() string {
	return "vault"
}
