package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerProvider stores secrets in Google Secret Manager, one
// prefixed secret per key, reading the latest version.
type GCPSecretManagerProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

// NewGCPSecretManagerProvider builds the provider using the ambient GCP
// credential chain.
func NewGCPSecretManagerProvider(cfg *Config) (*GCPSecretManagerProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("%w: GCP project is required", ErrProviderError)
	}

	client, err := secretmanager.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}

	prefix := cfg.GCPPrefix
	if prefix == "" {
		prefix = "flowcatalyst-"
	}

	return &GCPSecretManagerProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  prefix,
	}, nil
}

// Get reads the latest version of the prefixed secret.
func (p *GCPSecretManagerProvider) Get(ctx context.Context, key string) (string, error) {
	result, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: p.secretName(key) + "/versions/latest",
	})
	if err != nil {
		if isGCPStatus(err, codes.NotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	return string(result.Payload.Data), nil
}

// Set adds a new version, creating the secret container on first write.
func (p *GCPSecretManagerProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", p.project),
		SecretId: p.prefix + key,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && !isGCPStatus(err, codes.AlreadyExists) {
		return fmt.Errorf("%w: failed to create secret: %v", ErrProviderError, err)
	}

	_, err = p.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: p.secretName(key),
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(value),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to add secret version: %v", ErrProviderError, err)
	}
	return nil
}

// Delete removes the secret and every version.
func (p *GCPSecretManagerProvider) Delete(ctx context.Context, key string) error {
	err := p.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{
		Name: p.secretName(key),
	})
	if err != nil {
		if isGCPStatus(err, codes.NotFound) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

// Name returns "gcp-sm".
func (p *GCPSecretManagerProvider) Name() string {
	return "gcp-sm"
}

// Close releases the underlying gRPC connection.
func (p *GCPSecretManagerProvider) Close() error {
	return p.client.Close()
}

func (p *GCPSecretManagerProvider) secretName(key string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s", p.project, p.prefix, key)
}

func isGCPStatus(err error, code codes.Code) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == code
}
