package model

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	a := Address{Name: "Ann", Mailbox: "ann", Host: "example.org"}
	assert.Equal(t, "ann@example.org", a.Addr())
	assert.Equal(t, "Ann <ann@example.org>", a.String())
	assert.Equal(t, "ann@example.org", Address{Mailbox: "ann", Host: "example.org"}.String())
}

func TestParseAddr(t *testing.T) {
	assert.Equal(t, Address{Mailbox: "joe", Host: "example.com"}, ParseAddr("joe@example.com"))
	// The last @ splits mailbox from host.
	assert.Equal(t, Address{Mailbox: `"a@b"`, Host: "example.com"}, ParseAddr(`"a@b"@example.com`))
	assert.Equal(t, Address{Mailbox: "postmaster"}, ParseAddr("postmaster"))
}

func TestDetectFolderType(t *testing.T) {
	tests := []struct {
		path  string
		attrs []string
		want  FolderType
	}{
		{"INBOX", nil, FolderInbox},
		{"inbox", nil, FolderInbox},
		{"Anything", []string{"\\Sent"}, FolderSent},
		{"[Gmail]/All Mail", []string{"\\All"}, FolderArchive},
		{"Junk", []string{"\\Junk"}, FolderSpam},
		{"Sent", nil, FolderSent},
		{"Drafts", nil, FolderDrafts},
		{"Trash", nil, FolderTrash},
		{"Projects/2025", nil, FolderRegular},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DetectFolderType(tc.path, tc.attrs), "path %q attrs %v", tc.path, tc.attrs)
	}
}

func TestEnvelopeFlags(t *testing.T) {
	env := MessageEnvelope{Flags: []imap.Flag{imap.FlagSeen, imap.FlagAnswered}}
	assert.True(t, env.Seen())
	assert.True(t, env.HasFlag(imap.FlagAnswered))
	assert.False(t, env.HasFlag(imap.FlagDeleted))
	assert.False(t, MessageEnvelope{}.Seen())
}

func TestAccountValidate(t *testing.T) {
	valid := Account{
		ID: "a", Email: "joe@example.com",
		IMAPHost: "imap.example.com", IMAPPort: 993, IMAPSecurity: SecuritySSL,
		SMTPHost: "smtp.example.com", SMTPPort: 465, SMTPSecurity: SecuritySSL,
		AuthType: AuthPassword,
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "imap.example.com:993", valid.IMAPAddr())
	assert.Equal(t, "smtp.example.com:465", valid.SMTPAddr())

	// Plaintext IMAP is a configuration error, never silently allowed.
	plaintext := valid
	plaintext.IMAPSecurity = ""
	require.Error(t, plaintext.Validate())

	starttlsIMAP := valid
	starttlsIMAP.IMAPSecurity = SecurityStartTLS
	require.Error(t, starttlsIMAP.Validate())

	submission := valid
	submission.SMTPPort = 587
	submission.SMTPSecurity = SecurityStartTLS
	require.NoError(t, submission.Validate())
}

func TestCredentialExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cred := Credential{AccessToken: "tok", ExpiresAt: now.Add(10 * time.Minute)}
	assert.True(t, cred.IsOAuth())
	assert.False(t, cred.ExpiresWithin(now, 5*time.Minute))
	assert.True(t, cred.ExpiresWithin(now, 15*time.Minute))
	assert.True(t, cred.ExpiresWithin(now.Add(11*time.Minute), time.Minute))

	password := Credential{Password: "s3cret"}
	assert.False(t, password.IsOAuth())
}

func TestEnvelopeRecipientsCarriesBcc(t *testing.T) {
	msg := ComposedMessage{
		To:  []Address{{Mailbox: "a", Host: "x.com"}},
		Cc:  []Address{{Mailbox: "b", Host: "x.com"}},
		Bcc: []Address{{Mailbox: "c", Host: "x.com"}},
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, msg.EnvelopeRecipients())
}
