package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/mime"
	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/store"
)

const snippetLength = 120

// BodyFetcher retrieves full message bodies on demand over its own
// short-lived session, separate from the sync loops' connections. The
// parsed text also fills the stored envelope snippet.
type BodyFetcher struct {
	store   store.Store
	factory SessionFactory
	log     *logrus.Entry
}

func NewBodyFetcher(s store.Store, factory SessionFactory) *BodyFetcher {
	return &BodyFetcher{
		store:   s,
		factory: factory,
		log:     logrus.WithField("component", "sync"),
	}
}

// Fetch downloads and parses one message.
func (f *BodyFetcher) Fetch(ctx context.Context, acct model.Account, folder string, uid imap.UID) (*mime.ParsedMessage, error) {
	sess, err := f.factory(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	parsed, err := f.fetchWith(ctx, sess, acct, folder, uid)
	sess.Logout(context.Background())
	return parsed, err
}

// FetchWith reuses a caller-owned session, for callers that batch
// several body fetches.
func (f *BodyFetcher) FetchWith(ctx context.Context, sess Session, acct model.Account, folder string, uid imap.UID) (*mime.ParsedMessage, error) {
	return f.fetchWith(ctx, sess, acct, folder, uid)
}

func (f *BodyFetcher) fetchWith(ctx context.Context, sess Session, acct model.Account, folder string, uid imap.UID) (*mime.ParsedMessage, error) {
	if _, err := sess.Select(ctx, folder, true); err != nil {
		return nil, err
	}
	raw, err := sess.FetchBodySection(ctx, uid, "")
	if err != nil {
		return nil, fmt.Errorf("fetching body of uid %d: %w", uid, err)
	}
	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message uid %d: %w", uid, err)
	}

	snippet := mime.Snippet(parsed.TextBody, parsed.HTMLBody, snippetLength)
	if snippet != "" {
		if err := f.store.SetSnippet(ctx, acct.ID, folder, uid, snippet); err != nil {
			f.log.WithError(err).WithField("uid", uid).Warn("could not store snippet")
		}
	}
	return parsed, nil
}
