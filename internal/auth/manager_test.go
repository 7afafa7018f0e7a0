package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/realmail/realmail/internal/model"
)

func TestXOAuth2String(t *testing.T) {
	got := XOAuth2String("someuser@example.com", "ya29.vF9dft4qmTc2Nvb3RlckBhdHRhdmlzdGEuY29tCg")

	want := "user=someuser@example.com\x01auth=Bearer ya29.vF9dft4qmTc2Nvb3RlckBhdHRhdmlzdGEuY29tCg\x01\x01"
	assert.Equal(t, want, got)

	// The wire form is the base64 of that exact byte layout.
	assert.Equal(t,
		"dXNlcj1zb21ldXNlckBleGFtcGxlLmNvbQFhdXRoPUJlYXJlciB5YTI5LnZGOWRmdDRxbVRjMk52YjNSbGNrQmhkSFJoZG1semRHRXVZMjl0Q2cBAQ==",
		base64.StdEncoding.EncodeToString([]byte(got)))
}

func TestXOAuth2Client_EmptyChallengeReply(t *testing.T) {
	client := NewXOAuth2Client("joe@example.com", "tok")

	mech, ir, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, XOAuth2String("joe@example.com", "tok"), string(ir))

	out, err := client.Next([]byte(`{"status":"401"}`))
	require.NoError(t, err)
	assert.Empty(t, out)
}

// memStore is an in-memory CredentialStore.
type memStore struct {
	creds map[string]model.Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]model.Credential)}
}

func (s *memStore) Get(accountID string) (model.Credential, error) {
	cred, ok := s.creds[accountID]
	if !ok {
		return model.Credential{}, fmt.Errorf("no credential for %s", accountID)
	}
	return cred, nil
}

func (s *memStore) Set(accountID string, cred model.Credential) error {
	s.creds[accountID] = cred
	return nil
}

func (s *memStore) Delete(accountID string) error {
	delete(s.creds, accountID)
	return nil
}

func oauthAccount() model.Account {
	return model.Account{
		ID:       "acct-1",
		Email:    "joe@example.com",
		Provider: model.ProviderGmail,
		AuthType: model.AuthOAuth2,
	}
}

func newTestManager(store CredentialStore) *Manager {
	return NewManager(store, map[model.Provider]App{
		model.ProviderGmail: {ClientID: "client-id"},
	})
}

func TestManager_PasswordCredential(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{Password: "s3cret"}))
	m := newTestManager(store)

	acct := oauthAccount()
	acct.AuthType = model.AuthPassword

	cred, err := m.Credential(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cred.Password)
}

func TestManager_FreshTokenNotRefreshed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken:  "fresh",
		RefreshToken: "refresh",
		ExpiresAt:    now.Add(10 * time.Minute),
	}))

	m := newTestManager(store)
	m.now = func() time.Time { return now }
	m.refresh = func(context.Context, *oauth2.Config, model.Credential) (*oauth2.Token, error) {
		t.Fatal("refresh must not be called for a fresh token")
		return nil, nil
	}

	cred, err := m.Credential(context.Background(), oauthAccount())
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
}

func TestManager_RefreshInsideMargin(t *testing.T) {
	// 4 minutes of validity left is inside the 5 minute margin.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(4 * time.Minute),
	}))

	m := newTestManager(store)
	m.now = func() time.Time { return now }
	m.refresh = func(_ context.Context, cfg *oauth2.Config, cred model.Credential) (*oauth2.Token, error) {
		assert.Equal(t, "client-id", cfg.ClientID)
		assert.Equal(t, "refresh-1", cred.RefreshToken)
		return &oauth2.Token{
			AccessToken: "minty",
			Expiry:      now.Add(time.Hour),
		}, nil
	}

	cred, err := m.Credential(context.Background(), oauthAccount())
	require.NoError(t, err)
	assert.Equal(t, "minty", cred.AccessToken)
	// The provider omitted a refresh token; the old one is kept.
	assert.Equal(t, "refresh-1", cred.RefreshToken)

	// The refreshed credential is persisted.
	stored, err := store.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "minty", stored.AccessToken)
}

func TestManager_RefreshRejectedIsTerminal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now.Add(time.Minute),
	}))

	m := newTestManager(store)
	m.now = func() time.Time { return now }
	m.refresh = func(context.Context, *oauth2.Config, model.Credential) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	_, err := m.Credential(context.Background(), oauthAccount())
	require.ErrorIs(t, err, ErrReauthRequired)
}

func TestManager_RefreshNetworkFailureIsTransient(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(time.Minute),
	}))

	netErr := errors.New("dial tcp: connection refused")
	m := newTestManager(store)
	m.now = func() time.Time { return now }
	m.refresh = func(context.Context, *oauth2.Config, model.Credential) (*oauth2.Token, error) {
		return nil, netErr
	}

	_, err := m.Credential(context.Background(), oauthAccount())
	require.ErrorIs(t, err, netErr)
	assert.NotErrorIs(t, err, ErrReauthRequired)

	// The stored token set survives a transient failure.
	stored, err := store.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestManager_ExpiredWithoutRefreshToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken: "stale",
		ExpiresAt:   now.Add(-time.Minute),
	}))

	m := newTestManager(store)
	m.now = func() time.Time { return now }

	_, err := m.Credential(context.Background(), oauthAccount())
	require.ErrorIs(t, err, ErrReauthRequired)
}

func TestManager_SASLSelection(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set("acct-1", model.Credential{
		AccessToken:  "tok",
		RefreshToken: "refresh",
	}))
	m := newTestManager(store)

	client, err := m.SASL(context.Background(), oauthAccount())
	require.NoError(t, err)
	mech, ir, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, XOAuth2String("joe@example.com", "tok"), string(ir))

	require.NoError(t, store.Set("acct-2", model.Credential{Password: "pw"}))
	pwAcct := model.Account{ID: "acct-2", Email: "ann@example.com", AuthType: model.AuthPassword}
	client, err = m.SASL(context.Background(), pwAcct)
	require.NoError(t, err)
	mech, ir, err = client.Start()
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", mech)
	assert.Equal(t, "\x00ann@example.com\x00pw", string(ir))
}
