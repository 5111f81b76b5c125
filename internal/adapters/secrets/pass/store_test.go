package pass

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/lattice/internal/domain"
)

func TestStorePutUsesPassInsertUnderPrefix(t *testing.T) {
	t.Parallel()

	called := false
	store := NewStore("")
	store.run = func(ctx context.Context, input string, args ...string) (string, string, error) {
		called = true
		assert.Equal(t, []string{"insert", "-m", "-f", "lattice/lattice_default_access_token"}, args)
		assert.Equal(t, "syt_token\n", input)
		return "", "", nil
	}

	err := store.Put(context.Background(), "lattice_default_access_token", "syt_token")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestStoreGetUsesPassShowAndTrimsTrailingNewline(t *testing.T) {
	t.Parallel()

	store := NewStore("/matrix/")
	store.run = func(ctx context.Context, input string, args ...string) (string, string, error) {
		assert.Equal(t, []string{"show", "matrix/lattice_default_user_id"}, args)
		assert.Empty(t, input)
		return "@alice:example.com\n", "", nil
	}

	value, err := store.Get(context.Background(), "lattice_default_user_id")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.com", value)
}

func TestStoreMissingEntry(t *testing.T) {
	t.Parallel()

	store := NewStore("")
	store.run = func(ctx context.Context, input string, args ...string) (string, string, error) {
		return "", "Error: lattice/lattice_default_device_id is not in the password store.", errors.New("exit status 1")
	}

	_, err := store.Get(context.Background(), "lattice_default_device_id")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)

	require.NoError(t, store.Delete(context.Background(), "lattice_default_device_id"))
}

func TestStoreGetReturnsClearError(t *testing.T) {
	t.Parallel()

	store := NewStore("")
	store.run = func(ctx context.Context, input string, args ...string) (string, string, error) {
		return "", "gpg: decryption failed: No secret key", errors.New("exit status 2")
	}

	_, err := store.Get(context.Background(), "lattice_default_access_token")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSecretNotFound)
	assert.ErrorContains(t, err, "pass get")
	assert.ErrorContains(t, err, "lattice_default_access_token")
	assert.ErrorContains(t, err, "No secret key")
}

func TestStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := NewStore("")
	store.run = func(context.Context, string, ...string) (string, string, error) {
		t.Fatal("pass must not run")
		return "", "", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, store.Delete(ctx, "k"), context.Canceled)
}
