package credential

import (
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realmail/realmail/internal/model"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewWithRing(keyring.NewArrayKeyring(nil))

	cred := model.Credential{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		ExpiresAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Scopes:       []string{"https://mail.google.com/"},
	}
	require.NoError(t, store.Set("acct-1", cred))

	got, err := store.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, cred, got)
}

func TestStore_GetMissing(t *testing.T) {
	store := NewWithRing(keyring.NewArrayKeyring(nil))

	_, err := store.Get("nope")
	require.Error(t, err)
}

func TestStore_Delete(t *testing.T) {
	store := NewWithRing(keyring.NewArrayKeyring(nil))

	require.NoError(t, store.Set("acct-1", model.Credential{Password: "pw"}))
	require.NoError(t, store.Delete("acct-1"))

	_, err := store.Get("acct-1")
	require.Error(t, err)
}
