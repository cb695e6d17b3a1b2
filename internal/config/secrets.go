package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.flowcatalyst.tech/internal/common/secrets"
)

// secretRefPrefix marks a config value as an indirection into the secrets
// provider: "secret://nats-url" resolves the key "nats-url" through the
// backend FLOWCATALYST_SECRETS_PROVIDER selects.
const secretRefPrefix = "secret://"

// resolveSecretRefs replaces secret:// references in the fields that may
// carry credentials. The provider is only constructed when at least one
// reference exists, so plain-value configs never touch a secrets backend.
func resolveSecretRefs(cfg *Config) error {
	refs := map[string]*string{
		"queue.nats.url":      &cfg.Queue.NATS.URL,
		"queue.sqs.queue_url": &cfg.Queue.SQS.QueueURL,
	}

	var provider secrets.Provider
	for name, field := range refs {
		if !strings.HasPrefix(*field, secretRefPrefix) {
			continue
		}

		if provider == nil {
			p, err := secrets.NewProvider(nil)
			if err != nil {
				return fmt.Errorf("create secrets provider: %w", err)
			}
			provider = p
		}

		key := strings.TrimPrefix(*field, secretRefPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		value, err := provider.Get(ctx, key)
		cancel()
		if err != nil {
			return fmt.Errorf("resolve secret for %s (key %q): %w", name, key, err)
		}
		*field = value
	}

	return nil
}
