package model

import "fmt"

// Provider identifies the email provider an account belongs to. The
// provider determines OAuth2 endpoints and default server settings;
// ProviderIMAP is a generic account with explicit server settings.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// AuthType identifies how an account authenticates against its servers.
type AuthType string

const (
	AuthOAuth2   AuthType = "oauth2"
	AuthPassword AuthType = "password"
)

// SecurityType identifies how a connection is encrypted. Plaintext
// connections are not supported; a SecurityType must be one of these.
type SecurityType string

const (
	// SecuritySSL is implicit TLS from the first byte (IMAP 993, SMTP 465).
	SecuritySSL SecurityType = "SSL"

	// SecurityStartTLS is an in-band upgrade after the initial exchange.
	// Only supported for SMTP (port 587); IMAP connections are always
	// implicit TLS.
	SecurityStartTLS SecurityType = "STARTTLS"
)

// Account holds the server settings for one mail account. The core
// reads accounts from configuration and never mutates them.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	Provider    Provider

	IMAPHost     string
	IMAPPort     int
	IMAPSecurity SecurityType

	SMTPHost     string
	SMTPPort     int
	SMTPSecurity SecurityType

	AuthType AuthType
}

// IMAPAddr returns the host:port address of the account's IMAP server.
func (a Account) IMAPAddr() string {
	return fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
}

// SMTPAddr returns the host:port address of the account's SMTP server.
func (a Account) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", a.SMTPHost, a.SMTPPort)
}

// Validate checks that the account carries enough settings to connect.
func (a Account) Validate() error {
	if a.Email == "" {
		return fmt.Errorf("account %s: missing email", a.ID)
	}
	if a.IMAPHost == "" || a.IMAPPort == 0 {
		return fmt.Errorf("account %s: missing IMAP server settings", a.ID)
	}
	if a.SMTPHost == "" || a.SMTPPort == 0 {
		return fmt.Errorf("account %s: missing SMTP server settings", a.ID)
	}
	if a.IMAPSecurity != SecuritySSL {
		return fmt.Errorf("account %s: IMAP requires implicit TLS, got %q", a.ID, a.IMAPSecurity)
	}
	if a.SMTPSecurity != SecuritySSL && a.SMTPSecurity != SecurityStartTLS {
		return fmt.Errorf("account %s: unsupported SMTP security %q", a.ID, a.SMTPSecurity)
	}
	switch a.AuthType {
	case AuthOAuth2, AuthPassword:
	default:
		return fmt.Errorf("account %s: unknown auth type %q", a.ID, a.AuthType)
	}
	return nil
}
