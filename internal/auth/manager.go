// Package auth turns stored account credentials into live SASL
// clients, refreshing OAuth2 access tokens before they expire.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/realmail/realmail/internal/model"
)

// ErrReauthRequired is returned when a token refresh was rejected by
// the provider. The refresh token is dead; only a new interactive
// authorization can recover the account.
var ErrReauthRequired = errors.New("reauthentication required")

// refreshMargin is how much remaining validity triggers a proactive
// refresh. Refreshing early keeps a protocol operation from racing
// token expiry mid-connection.
const refreshMargin = 5 * time.Minute

// CredentialStore persists credentials keyed by account ID.
type CredentialStore interface {
	Get(accountID string) (model.Credential, error)
	Set(accountID string, cred model.Credential) error
	Delete(accountID string) error
}

// Manager hands out ready-to-use credentials and SASL clients,
// serializing refreshes so concurrent sessions for one account do not
// each burn a refresh token exchange.
type Manager struct {
	store CredentialStore
	apps  map[model.Provider]App

	mu      sync.Mutex
	now     func() time.Time
	refresh func(ctx context.Context, cfg *oauth2.Config, cred model.Credential) (*oauth2.Token, error)

	log *logrus.Entry
}

// NewManager builds a Manager over the given credential store and
// provider app registrations.
func NewManager(store CredentialStore, apps map[model.Provider]App) *Manager {
	return &Manager{
		store:   store,
		apps:    apps,
		now:     time.Now,
		refresh: refreshToken,
		log:     logrus.WithField("pkg", "auth"),
	}
}

// Credential returns a live credential for the account, refreshing the
// access token when less than the refresh margin remains. Refresh
// rejections map to ErrReauthRequired; network failures are returned
// as-is and worth retrying.
func (m *Manager) Credential(ctx context.Context, acct model.Account) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.store.Get(acct.ID)
	if err != nil {
		return model.Credential{}, fmt.Errorf("loading credential for %s: %w", acct.ID, err)
	}

	switch acct.AuthType {
	case model.AuthPassword:
		if cred.Password == "" {
			return model.Credential{}, fmt.Errorf("account %s: no password stored", acct.ID)
		}
		return cred, nil

	case model.AuthOAuth2:
		if !cred.IsOAuth() {
			return model.Credential{}, fmt.Errorf("account %s: no token set stored: %w", acct.ID, ErrReauthRequired)
		}
		if !cred.ExpiresWithin(m.now(), refreshMargin) {
			return cred, nil
		}
		return m.refreshLocked(ctx, acct, cred)

	default:
		return model.Credential{}, fmt.Errorf("account %s: unknown auth type %q", acct.ID, acct.AuthType)
	}
}

// SASL returns the SASL client matching the account's auth type:
// PLAIN for passwords, XOAUTH2 for token sets.
func (m *Manager) SASL(ctx context.Context, acct model.Account) (sasl.Client, error) {
	cred, err := m.Credential(ctx, acct)
	if err != nil {
		return nil, err
	}
	if acct.AuthType == model.AuthOAuth2 {
		return NewXOAuth2Client(acct.Email, cred.AccessToken), nil
	}
	return sasl.NewPlainClient("", acct.Email, cred.Password), nil
}

// Invalidate drops the stored credential, forcing the next use through
// interactive authorization.
func (m *Manager) Invalidate(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(accountID)
}

// Store persists a credential obtained out of band, e.g. from a
// completed authorization flow.
func (m *Manager) Store(accountID string, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Set(accountID, cred)
}

// refreshLocked exchanges the refresh token for a new access token and
// persists the result. Callers hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context, acct model.Account, cred model.Credential) (model.Credential, error) {
	if cred.RefreshToken == "" {
		return model.Credential{}, fmt.Errorf("account %s: access token expired and no refresh token: %w", acct.ID, ErrReauthRequired)
	}
	cfg, err := oauthConfig(acct.Provider, m.apps[acct.Provider])
	if err != nil {
		return model.Credential{}, err
	}

	tok, err := m.refresh(ctx, cfg, cred)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && rejectedRefresh(retrieveErr) {
			m.log.WithField("account", acct.ID).Warn("Refresh token rejected")
			return model.Credential{}, fmt.Errorf("refreshing token for %s: %w", acct.ID, ErrReauthRequired)
		}
		return model.Credential{}, fmt.Errorf("refreshing token for %s: %w", acct.ID, err)
	}

	next := credentialFromToken(tok, cred.Scopes)
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := m.store.Set(acct.ID, next); err != nil {
		return model.Credential{}, fmt.Errorf("persisting refreshed credential for %s: %w", acct.ID, err)
	}
	m.log.WithField("account", acct.ID).Debug("Access token refreshed")
	return next, nil
}

// refreshToken performs the refresh grant against the provider.
func refreshToken(ctx context.Context, cfg *oauth2.Config, cred model.Credential) (*oauth2.Token, error) {
	seed := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0), // force the source to refresh
	}
	return cfg.TokenSource(ctx, seed).Token()
}

// rejectedRefresh reports whether a token endpoint error means the
// grant itself is invalid rather than the request transiently failing.
func rejectedRefresh(err *oauth2.RetrieveError) bool {
	switch err.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
