package ports

import "context"

// SecretStore is the secure key-value store holding session secrets.
// Get on a missing key returns an error wrapping domain.ErrSecretNotFound;
// Delete on a missing key is a no-op.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}
