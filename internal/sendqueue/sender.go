package sendqueue

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/auth"
	"github.com/realmail/realmail/internal/imapsession"
	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/smtpsession"
	"github.com/realmail/realmail/internal/store"
)

// Sender delivers one message. Implementations own the whole
// connection lifecycle; the queue never reuses a connection between
// deliveries.
type Sender interface {
	Deliver(ctx context.Context, acct model.Account, from string, recipients []string, raw []byte) error
}

// SMTPSender delivers through a fresh authenticated SMTP session per
// message.
type SMTPSender struct {
	auth *auth.Manager
}

func NewSMTPSender(mgr *auth.Manager) *SMTPSender {
	return &SMTPSender{auth: mgr}
}

func (d *SMTPSender) Deliver(ctx context.Context, acct model.Account, from string, recipients []string, raw []byte) error {
	client, err := d.auth.SASL(ctx, acct)
	if err != nil {
		return err
	}
	sess, err := smtpsession.Dial(ctx, acct.SMTPHost, acct.SMTPPort, acct.SMTPSecurity, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Auth(ctx, client); err != nil {
		return err
	}
	if err := sess.Send(ctx, from, recipients, raw); err != nil {
		return err
	}
	return sess.Quit(ctx)
}

// Archiver files a copy of a delivered message. Archiving is
// best-effort: the queue logs failures but never retries a send over
// them.
type Archiver interface {
	ArchiveSent(ctx context.Context, acct model.Account, raw []byte) error
}

// IMAPArchiver appends delivered messages to the account's sent
// folder, located by its stored folder type.
type IMAPArchiver struct {
	auth  *auth.Manager
	store store.Store
	log   *logrus.Entry
}

func NewIMAPArchiver(mgr *auth.Manager, s store.Store) *IMAPArchiver {
	return &IMAPArchiver{
		auth:  mgr,
		store: s,
		log:   logrus.WithField("component", "sendqueue"),
	}
}

func (a *IMAPArchiver) ArchiveSent(ctx context.Context, acct model.Account, raw []byte) error {
	folders, err := a.store.GetFolders(ctx, acct.ID)
	if err != nil {
		return err
	}
	sent := ""
	for _, folder := range folders {
		if folder.Type == model.FolderSent {
			sent = folder.Path
			break
		}
	}
	if sent == "" {
		a.log.WithField("account", acct.Email).Warn("no sent folder known, skipping archive")
		return nil
	}

	client, err := a.auth.SASL(ctx, acct)
	if err != nil {
		return err
	}
	sess, err := imapsession.Dial(ctx, acct.IMAPHost, acct.IMAPPort, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Authenticate(ctx, client); err != nil {
		return err
	}
	if _, err := sess.Append(ctx, sent, []imap.Flag{imap.FlagSeen}, raw); err != nil {
		return err
	}
	return sess.Logout(ctx)
}
