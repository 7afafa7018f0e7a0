// Package sendqueue is the durable outbound mail queue. Sends survive
// restarts in the store's outbox table; a per-account loop delivers
// them in creation order, retrying transient failures with exponential
// backoff and pausing entirely while the network is down.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/auth"
	"github.com/realmail/realmail/internal/event"
	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/netmon"
	"github.com/realmail/realmail/internal/smtpsession"
	"github.com/realmail/realmail/internal/store"
)

const (
	maxRetries      = 3
	defaultPollRate = 2 * time.Second
)

// ErrNotCancelable is returned by Cancel for sends already being
// delivered or already delivered.
var ErrNotCancelable = errors.New("send is not cancelable")

// Queue drives the outbox. One delivery loop runs per registered
// account; loops share the store and the event bus only.
type Queue struct {
	store    store.Store
	bus      *event.Bus
	mon      *netmon.Monitor
	sender   Sender
	archiver Archiver
	log      *logrus.Entry

	pollRate time.Duration
	now      func() time.Time

	mu       gosync.Mutex
	accounts []model.Account
	wakes    map[string]chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithArchiver files delivered messages, typically into the IMAP sent
// folder.
func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

// WithPollRate sets how often an idle loop re-checks the outbox.
func WithPollRate(d time.Duration) Option {
	return func(q *Queue) { q.pollRate = d }
}

func New(s store.Store, bus *event.Bus, mon *netmon.Monitor, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:    s,
		bus:      bus,
		mon:      mon,
		sender:   sender,
		pollRate: defaultPollRate,
		now:      time.Now,
		wakes:    make(map[string]chan struct{}),
		log:      logrus.WithField("component", "sendqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register adds an account before Run is called.
func (q *Queue) Register(acct model.Account) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accounts = append(q.accounts, acct)
	q.wakes[acct.ID] = make(chan struct{}, 1)
}

// Enqueue persists a composed message to the outbox and wakes the
// account's delivery loop.
func (q *Queue) Enqueue(ctx context.Context, acct model.Account, msg model.ComposedMessage) (model.QueuedSend, error) {
	now := q.now().UTC()
	send := model.QueuedSend{
		ID:         uuid.NewString(),
		AccountID:  acct.ID,
		From:       msg.From.Addr(),
		Recipients: msg.EnvelopeRecipients(),
		MessageID:  msg.MessageID,
		Raw:        msg.Raw,
		Status:     model.SendPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(send.Recipients) == 0 {
		return model.QueuedSend{}, errors.New("message has no recipients")
	}
	if err := q.store.EnqueueSend(ctx, send); err != nil {
		return model.QueuedSend{}, err
	}
	q.publish(send)
	q.wake(acct.ID)
	return send, nil
}

// Cancel removes a send that has not been picked up yet.
func (q *Queue) Cancel(ctx context.Context, sendID string) error {
	send, err := q.store.GetSend(ctx, sendID)
	if err != nil {
		return err
	}
	if send == nil {
		return nil
	}
	switch send.Status {
	case model.SendPending, model.SendRetrying, model.SendFailed:
	default:
		return ErrNotCancelable
	}
	return q.store.DeleteSend(ctx, sendID)
}

// Run starts one delivery loop per registered account and blocks until
// the context is done.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	accounts := make([]model.Account, len(q.accounts))
	copy(accounts, q.accounts)
	q.mu.Unlock()

	var wg gosync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct model.Account) {
			defer wg.Done()
			q.runAccount(ctx, acct)
		}(acct)
	}
	wg.Wait()
}

func (q *Queue) runAccount(ctx context.Context, acct model.Account) {
	q.mu.Lock()
	wake := q.wakes[acct.ID]
	q.mu.Unlock()

	for {
		// Going offline pauses the whole loop. Retry counters are
		// untouched: the pause itself is not a delivery failure.
		if err := q.mon.WaitOnline(ctx); err != nil {
			return
		}

		processed, err := q.processNext(ctx, acct)
		if err != nil {
			q.log.WithError(err).WithField("account", acct.Email).Error("outbox pass failed")
		}
		if processed {
			// Go straight for the next eligible send.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(q.pollRate):
		}
	}
}

// processNext delivers the oldest eligible send, if any. It reports
// whether a send was picked up.
func (q *Queue) processNext(ctx context.Context, acct model.Account) (bool, error) {
	send, err := q.store.NextPendingSend(ctx, acct.ID, q.now().UTC())
	if err != nil || send == nil {
		return false, err
	}

	send.Status = model.SendSending
	send.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateSend(ctx, *send); err != nil {
		return false, err
	}
	q.publish(*send)

	log := q.log.WithFields(logrus.Fields{"account": acct.Email, "send": send.ID})
	deliverErr := q.sender.Deliver(ctx, acct, send.From, send.Recipients, send.Raw)
	if deliverErr == nil {
		send.Status = model.SendSent
		send.LastError = ""
		send.UpdatedAt = q.now().UTC()
		if err := q.store.UpdateSend(ctx, *send); err != nil {
			return true, err
		}
		q.publish(*send)
		log.Info("message delivered")
		q.archive(ctx, acct, send.Raw)
		return true, nil
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the delivery; leave the send for the
		// next run rather than charging it a retry.
		send.Status = model.SendPending
		send.UpdatedAt = q.now().UTC()
		return true, q.store.UpdateSend(context.Background(), *send)
	}

	if permanent(deliverErr) || send.RetryCount >= maxRetries {
		send.Status = model.SendFailed
		send.LastError = deliverErr.Error()
		send.UpdatedAt = q.now().UTC()
		if err := q.store.UpdateSend(ctx, *send); err != nil {
			return true, err
		}
		q.publish(*send)
		log.WithError(deliverErr).Warn("send failed permanently")
		return true, nil
	}

	send.RetryCount++
	send.Status = model.SendRetrying
	send.LastError = deliverErr.Error()
	send.NotBefore = q.now().UTC().Add(backoff(send.RetryCount))
	send.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateSend(ctx, *send); err != nil {
		return true, err
	}
	q.publish(*send)
	log.WithError(deliverErr).WithField("retry", send.RetryCount).Info("send rescheduled")
	return true, nil
}

// backoff is 2^n seconds: 2s, 4s, 8s.
func backoff(retry int) time.Duration {
	return time.Duration(1<<retry) * time.Second
}

// permanent classifies a delivery error. Rejected credentials and 5xx
// replies will not get better by repetition; everything else is
// presumed transient.
func permanent(err error) bool {
	if errors.Is(err, auth.ErrReauthRequired) {
		return true
	}
	var status *smtpsession.StatusError
	if errors.As(err, &status) {
		return status.Op == "auth" || status.Permanent()
	}
	// Transport failures (dial, TLS, closed connections) are transient.
	return false
}

func (q *Queue) archive(ctx context.Context, acct model.Account, raw []byte) {
	if q.archiver == nil {
		return
	}
	if err := q.archiver.ArchiveSent(ctx, acct, raw); err != nil {
		q.log.WithError(err).WithField("account", acct.Email).Warn("could not archive sent message")
	}
}

func (q *Queue) publish(send model.QueuedSend) {
	q.bus.Publish(event.SendStatusChanged{
		SendID:    send.ID,
		AccountID: send.AccountID,
		Status:    send.Status,
		Err:       send.LastError,
	})
}

func (q *Queue) wake(accountID string) {
	q.mu.Lock()
	ch := q.wakes[accountID]
	q.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Status returns the current outbox record for one send.
func (q *Queue) Status(ctx context.Context, sendID string) (*model.QueuedSend, error) {
	return q.store.GetSend(ctx, sendID)
}

// Pending lists every outbox record for an account, oldest first.
func (q *Queue) Pending(ctx context.Context, accountID string) ([]model.QueuedSend, error) {
	sends, err := q.store.ListSends(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	return sends, nil
}
