package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/realmail/realmail/internal/model"
)

// App is the client registration an installed application presents to
// an OAuth2 provider.
type App struct {
	ClientID     string
	ClientSecret string
}

// providerEndpoint holds the provider-specific endpoints and scopes.
type providerEndpoint struct {
	endpoint    oauth2.Endpoint
	scopes      []string
	userinfoURL string
}

var providerEndpoints = map[model.Provider]providerEndpoint{
	model.ProviderGmail: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		scopes:      []string{"https://mail.google.com/", "https://www.googleapis.com/auth/userinfo.email"},
		userinfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	},
	model.ProviderOutlook: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		scopes: []string{
			"https://outlook.office.com/IMAP.AccessAsUser.All",
			"https://outlook.office.com/SMTP.Send",
			"offline_access",
			"openid", "email",
		},
		userinfoURL: "https://graph.microsoft.com/v1.0/me",
	},
}

// oauthConfig builds the oauth2 config for a provider. The redirect
// URL is filled in by the flow once its loopback listener is bound.
func oauthConfig(provider model.Provider, app App) (*oauth2.Config, error) {
	ep, ok := providerEndpoints[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q does not support OAuth2", provider)
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     ep.endpoint,
		Scopes:       ep.scopes,
	}, nil
}

// Flow is one interactive authorization-code grant with PKCE. The user
// visits AuthURL in a browser; the provider redirects to a loopback
// listener with the code, which the flow exchanges for tokens.
type Flow struct {
	cfg         *oauth2.Config
	verifier    string
	state       string
	userinfoURL string

	listener net.Listener
	log      *logrus.Entry
}

// NewFlow binds a loopback listener and prepares the PKCE parameters.
// Call AuthURL to get the URL to open, then Wait to complete the
// exchange. Close releases the listener if Wait is never reached.
func NewFlow(provider model.Provider, app App) (*Flow, error) {
	cfg, err := oauthConfig(provider, app)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("binding loopback listener: %w", err)
	}
	cfg.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	ep := providerEndpoints[provider]
	return &Flow{
		cfg:         cfg,
		verifier:    oauth2.GenerateVerifier(),
		state:       randomState(),
		userinfoURL: ep.userinfoURL,
		listener:    ln,
		log:         logrus.WithField("pkg", "auth").WithField("provider", provider),
	}, nil
}

// AuthURL returns the provider URL the user must visit to authorize.
func (f *Flow) AuthURL() string {
	return f.cfg.AuthCodeURL(f.state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(f.verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Wait serves the loopback redirect until the provider delivers an
// authorization code, then exchanges it for a token set. It returns
// the credential and the authorized email address.
func (f *Flow) Wait(ctx context.Context) (model.Credential, string, error) {
	type outcome struct {
		code string
		err  error
	}
	results := make(chan outcome, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != f.state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- outcome{err: fmt.Errorf("authorization state mismatch")}
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			results <- outcome{err: fmt.Errorf("authorization denied: %s", errCode)}
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		results <- outcome{code: q.Get("code")}
	})}
	go func() {
		if err := srv.Serve(f.listener); err != nil && err != http.ErrServerClosed {
			results <- outcome{err: err}
		}
	}()
	defer srv.Close()

	var res outcome
	select {
	case res = <-results:
	case <-ctx.Done():
		return model.Credential{}, "", ctx.Err()
	}
	if res.err != nil {
		return model.Credential{}, "", res.err
	}

	tok, err := f.cfg.Exchange(ctx, res.code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return model.Credential{}, "", fmt.Errorf("exchanging authorization code: %w", err)
	}

	email, err := f.fetchEmail(ctx, tok)
	if err != nil {
		f.log.WithError(err).Warn("Could not resolve authorized email address")
	}
	return credentialFromToken(tok, f.cfg.Scopes), email, nil
}

// Close releases the loopback listener.
func (f *Flow) Close() error {
	return f.listener.Close()
}

// fetchEmail asks the provider's userinfo endpoint which account was
// authorized.
func (f *Flow) fetchEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	if f.userinfoURL == "" {
		return "", nil
	}
	client := f.cfg.Client(ctx, tok)
	client.Timeout = 15 * time.Second
	resp, err := client.Get(f.userinfoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo request returned %s", resp.Status)
	}

	var info struct {
		Email             string `json:"email"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	switch {
	case info.Email != "":
		return info.Email, nil
	case info.Mail != "":
		return info.Mail, nil
	default:
		return info.UserPrincipalName, nil
	}
}

// credentialFromToken maps an oauth2 token to the stored credential
// shape, keeping the previous refresh token when the provider omits
// one from a refresh response.
func credentialFromToken(tok *oauth2.Token, scopes []string) model.Credential {
	return model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
	}
}

func randomState() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
