// Package sync reconciles local mailbox state against IMAP servers. One
// orchestrator runs a control loop per registered account; loops share
// nothing but the store and the event bus, so one account's failures
// never stall another's progress.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/auth"
	"github.com/realmail/realmail/internal/event"
	"github.com/realmail/realmail/internal/imapsession"
	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/netmon"
	"github.com/realmail/realmail/internal/store"
)

// Session is the slice of the IMAP session the orchestrator drives.
type Session interface {
	ListMailboxes(ctx context.Context) ([]model.MailboxState, error)
	Select(ctx context.Context, path string, readOnly bool) (*imapsession.Mailbox, error)
	FetchHeaders(ctx context.Context, set imap.UIDSet) ([]model.MessageEnvelope, error)
	FetchFlags(ctx context.Context, set imap.UIDSet) (map[imap.UID][]imap.Flag, error)
	FetchBodySection(ctx context.Context, uid imap.UID, section string) ([]byte, error)
	SupportsIdle() bool
	Idle(ctx context.Context, events chan<- imapsession.Event) error
	Logout(ctx context.Context) error
	Close() error
}

// SessionFactory opens an authenticated session for one account.
type SessionFactory func(ctx context.Context, acct model.Account) (Session, error)

// NewSessionFactory dials, authenticates and returns ready sessions
// using credentials from the auth manager.
func NewSessionFactory(mgr *auth.Manager) SessionFactory {
	return func(ctx context.Context, acct model.Account) (Session, error) {
		client, err := mgr.SASL(ctx, acct)
		if err != nil {
			return nil, err
		}
		sess, err := imapsession.Dial(ctx, acct.IMAPHost, acct.IMAPPort, nil)
		if err != nil {
			return nil, err
		}
		if err := sess.Authenticate(ctx, client); err != nil {
			sess.Close()
			return nil, err
		}
		return sess, nil
	}
}

// State is the lifecycle of one account loop.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateWatching
	StateError
)

// Status is a point-in-time snapshot of one account loop.
type Status struct {
	AccountID string
	State     State
	LastSync  time.Time
	Err       error
}

const (
	defaultInterval = 5 * time.Minute
	reconnectDelay  = 10 * time.Second
)

// Orchestrator owns the per-account sync loops.
type Orchestrator struct {
	store   store.Store
	bus     *event.Bus
	mon     *netmon.Monitor
	factory SessionFactory
	log     *logrus.Entry

	interval time.Duration

	mu       gosync.Mutex
	accounts []model.Account
	statuses map[string]*Status
	triggers map[string]chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInterval sets the periodic full-sync interval.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

func New(s store.Store, bus *event.Bus, mon *netmon.Monitor, factory SessionFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		bus:      bus,
		mon:      mon,
		factory:  factory,
		interval: defaultInterval,
		statuses: make(map[string]*Status),
		triggers: make(map[string]chan struct{}),
		log:      logrus.WithField("component", "sync"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds an account before Run is called.
func (o *Orchestrator) Register(acct model.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accounts = append(o.accounts, acct)
	o.statuses[acct.ID] = &Status{AccountID: acct.ID}
	o.triggers[acct.ID] = make(chan struct{}, 1)
}

// Trigger requests an immediate sync pass for one account. It is a
// no-op for unknown accounts and never blocks.
func (o *Orchestrator) Trigger(accountID string) {
	o.mu.Lock()
	ch := o.triggers[accountID]
	o.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Statuses returns a snapshot of every account loop's state.
func (o *Orchestrator) Statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.statuses))
	for _, st := range o.statuses {
		out = append(out, *st)
	}
	return out
}

func (o *Orchestrator) setStatus(accountID string, state State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.statuses[accountID]
	if st == nil {
		return
	}
	st.State = state
	st.Err = err
	if state == StateWatching || (state == StateIdle && err == nil) {
		st.LastSync = time.Now()
	}
}

// Run starts one loop per registered account and blocks until the
// context is done.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	accounts := make([]model.Account, len(o.accounts))
	copy(accounts, o.accounts)
	o.mu.Unlock()

	var wg gosync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct model.Account) {
			defer wg.Done()
			o.runAccount(ctx, acct)
		}(acct)
	}
	wg.Wait()
}

func (o *Orchestrator) runAccount(ctx context.Context, acct model.Account) {
	log := o.log.WithField("account", acct.Email)
	for {
		if err := o.mon.WaitOnline(ctx); err != nil {
			return
		}
		sess, err := o.factory(ctx, acct)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.setStatus(acct.ID, StateError, err)
			log.WithError(err).Warn("connecting failed, will retry")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		err = o.accountLoop(ctx, sess, acct)
		sess.Logout(context.Background())
		sess.Close()
		if ctx.Err() != nil {
			return
		}
		o.setStatus(acct.ID, StateError, err)
		log.WithError(err).Warn("sync loop ended, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// accountLoop alternates full sync passes with waiting for change: IDLE
// on the inbox when the server supports it, a plain timer otherwise.
// It returns when the session is no longer usable.
func (o *Orchestrator) accountLoop(ctx context.Context, sess Session, acct model.Account) error {
	o.mu.Lock()
	trigger := o.triggers[acct.ID]
	o.mu.Unlock()

	for {
		o.setStatus(acct.ID, StateSyncing, nil)
		inbox, err := o.syncAccount(ctx, sess, acct)
		if err != nil {
			return err
		}

		if sess.SupportsIdle() && inbox != "" {
			o.setStatus(acct.ID, StateWatching, nil)
			if err := o.watchInbox(ctx, sess, inbox, trigger); err != nil {
				return err
			}
		} else {
			o.setStatus(acct.ID, StateIdle, nil)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-trigger:
			case <-time.After(o.interval):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// watchInbox holds an IDLE on the inbox until something changes, the
// periodic interval elapses, or a manual trigger arrives.
func (o *Orchestrator) watchInbox(ctx context.Context, sess Session, inbox string, trigger <-chan struct{}) error {
	if _, err := sess.Select(ctx, inbox, true); err != nil {
		return err
	}

	idleCtx, stopIdle := context.WithCancel(ctx)
	defer stopIdle()

	events := make(chan imapsession.Event, 16)
	idleErr := make(chan error, 1)
	go func() {
		idleErr <- sess.Idle(idleCtx, events)
	}()

	interval := time.NewTimer(o.interval)
	defer interval.Stop()

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case <-events:
		// A change was pushed; the next sync pass picks up details.
	case <-trigger:
	case <-interval.C:
	case err := <-idleErr:
		// IDLE failed on its own, the connection is gone.
		return fmt.Errorf("idle: %w", err)
	}

	stopIdle()
	if err := <-idleErr; err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	return cause
}

// syncAccount runs one full pass over the account: folder discovery
// followed by an incremental sync of every selectable folder. It
// returns the inbox path for IDLE monitoring.
func (o *Orchestrator) syncAccount(ctx context.Context, sess Session, acct model.Account) (string, error) {
	folders, err := o.discoverFolders(ctx, sess, acct)
	if err != nil {
		return "", err
	}

	inbox := ""
	for _, folder := range folders {
		if folder.Type == model.FolderInbox {
			inbox = folder.Path
		}
		if !folder.Selectable {
			continue
		}
		if err := o.syncFolder(ctx, sess, acct, folder); err != nil {
			return "", err
		}
	}
	return inbox, nil
}

// discoverFolders diffs the server's LIST result against the local
// folder records: new server paths become records, local paths the
// server no longer reports are deleted along with their messages.
func (o *Orchestrator) discoverFolders(ctx context.Context, sess Session, acct model.Account) ([]model.MailboxState, error) {
	remote, err := sess.ListMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	local, err := o.store.GetFolders(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	known := make(map[string]model.MailboxState, len(local))
	for _, folder := range local {
		known[folder.Path] = folder
	}

	merged := make([]model.MailboxState, 0, len(remote))
	seen := make(map[string]struct{}, len(remote))
	for _, folder := range remote {
		seen[folder.Path] = struct{}{}
		if prev, ok := known[folder.Path]; ok {
			// Keep local sync watermarks, refresh server-owned fields.
			folder.UIDValidity = prev.UIDValidity
			folder.HighestSyncedUID = prev.HighestSyncedUID
			folder.UIDNext = prev.UIDNext
		} else {
			o.log.WithFields(logrus.Fields{"account": acct.Email, "folder": folder.Path}).
				Info("discovered folder")
			if err := o.store.UpsertFolder(ctx, acct.ID, folder); err != nil {
				return nil, err
			}
		}
		merged = append(merged, folder)
	}

	for _, folder := range local {
		if _, ok := seen[folder.Path]; ok {
			continue
		}
		o.log.WithFields(logrus.Fields{"account": acct.Email, "folder": folder.Path}).
			Info("folder removed on server")
		if err := o.store.DeleteFolder(ctx, acct.ID, folder.Path); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// syncFolder brings one folder up to date. A UIDVALIDITY change
// invalidates everything cached for the folder before any fetch, since
// UIDs from the old epoch must never be reconciled against new ones.
func (o *Orchestrator) syncFolder(ctx context.Context, sess Session, acct model.Account, folder model.MailboxState) error {
	log := o.log.WithFields(logrus.Fields{"account": acct.Email, "folder": folder.Path})

	mbox, err := sess.Select(ctx, folder.Path, true)
	if err != nil {
		if imapsession.IsServerError(err) {
			// The folder is not selectable after all; skip it.
			log.WithError(err).Debug("select rejected, skipping folder")
			return nil
		}
		return err
	}

	if folder.UIDValidity != 0 && folder.UIDValidity != mbox.UIDValidity {
		log.WithFields(logrus.Fields{"old": folder.UIDValidity, "new": mbox.UIDValidity}).
			Warn("uidvalidity changed, resyncing folder from scratch")
		if err := o.store.PurgeMessages(ctx, acct.ID, folder.Path); err != nil {
			return err
		}
		folder.HighestSyncedUID = 0
	}
	folder.UIDValidity = mbox.UIDValidity
	folder.UIDNext = mbox.UIDNext

	if err := o.reconcileKnown(ctx, sess, acct, folder); err != nil {
		return err
	}
	if err := o.fetchNew(ctx, sess, acct, &folder, mbox); err != nil {
		return err
	}

	if err := o.store.UpsertFolder(ctx, acct.ID, folder); err != nil {
		return err
	}

	unread, err := o.store.UnreadCount(ctx, acct.ID, folder.Path)
	if err != nil {
		return err
	}
	o.bus.Publish(event.FolderSynced{AccountID: acct.ID, Folder: folder.Path, Unread: unread})
	return nil
}

// reconcileKnown refreshes flags for already-synced messages and drops
// the ones the server has expunged.
func (o *Orchestrator) reconcileKnown(ctx context.Context, sess Session, acct model.Account, folder model.MailboxState) error {
	if folder.HighestSyncedUID == 0 {
		return nil
	}
	local, err := o.store.GetMessages(ctx, acct.ID, folder.Path, 0, 0)
	if err != nil {
		return err
	}
	if len(local) == 0 {
		return nil
	}

	var set imap.UIDSet
	set.AddRange(1, folder.HighestSyncedUID)
	remote, err := sess.FetchFlags(ctx, set)
	if err != nil {
		return fmt.Errorf("refreshing flags: %w", err)
	}

	changed := make(map[imap.UID][]imap.Flag)
	var gone []imap.UID
	for _, msg := range local {
		flags, ok := remote[msg.UID]
		if !ok {
			gone = append(gone, msg.UID)
			continue
		}
		if !sameFlags(msg.Flags, flags) {
			changed[msg.UID] = flags
		}
	}

	if len(changed) > 0 {
		if err := o.store.UpdateFlags(ctx, acct.ID, folder.Path, changed); err != nil {
			return err
		}
		for uid, flags := range changed {
			o.bus.Publish(event.FlagsChanged{AccountID: acct.ID, Folder: folder.Path, UID: uid, Flags: flags})
		}
	}
	if len(gone) > 0 {
		if err := o.store.DeleteMessages(ctx, acct.ID, folder.Path, gone); err != nil {
			return err
		}
		o.bus.Publish(event.MessagesDeleted{AccountID: acct.ID, Folder: folder.Path, UIDs: gone})
	}
	return nil
}

// fetchNew pulls envelopes for UIDs above the watermark and advances
// it. Servers may return fewer envelopes than the range covers when
// messages were expunged; the watermark still advances to uidNext-1 so
// the same gap is not re-requested forever.
func (o *Orchestrator) fetchNew(ctx context.Context, sess Session, acct model.Account, folder *model.MailboxState, mbox *imapsession.Mailbox) error {
	if mbox.UIDNext <= folder.HighestSyncedUID+1 {
		return nil
	}

	var set imap.UIDSet
	set.AddRange(folder.HighestSyncedUID+1, mbox.UIDNext-1)
	envelopes, err := sess.FetchHeaders(ctx, set)
	if err != nil {
		return fmt.Errorf("fetching new messages: %w", err)
	}

	if len(envelopes) > 0 {
		if err := o.store.UpsertMessages(ctx, acct.ID, folder.Path, envelopes); err != nil {
			return err
		}
		for _, env := range envelopes {
			o.bus.Publish(event.NewMessage{AccountID: acct.ID, Folder: folder.Path, Envelope: env})
		}
	}
	folder.HighestSyncedUID = mbox.UIDNext - 1
	return nil
}

func sameFlags(a, b []imap.Flag) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[imap.Flag]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
