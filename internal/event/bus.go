// Package event carries change notifications between the sync engine,
// the send queue and anything observing them. Publishing never blocks:
// a subscriber that stops draining its channel loses events rather than
// stalling the producer.
package event

import (
	"reflect"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/model"
)

// Event is implemented by every value published on the bus.
type Event interface {
	event()
}

// NewMessage reports a freshly synced message in a folder.
type NewMessage struct {
	AccountID string
	Folder    string
	Envelope  model.MessageEnvelope
}

// MessagesDeleted reports messages removed from a folder, either by
// expunge or because the folder was resynced from scratch.
type MessagesDeleted struct {
	AccountID string
	Folder    string
	UIDs      []imap.UID
}

// FlagsChanged reports a server-side flag update on a known message.
type FlagsChanged struct {
	AccountID string
	Folder    string
	UID       imap.UID
	Flags     []imap.Flag
}

// FolderSynced reports that one folder finished a sync pass.
type FolderSynced struct {
	AccountID string
	Folder    string
	Unread    int
}

// SendStatusChanged reports a queued send moving between states.
type SendStatusChanged struct {
	SendID    string
	AccountID string
	Status    model.SendStatus
	Err       string
}

// ConnectivityChanged reports the network monitor flipping state.
type ConnectivityChanged struct {
	Online bool
}

func (NewMessage) event()          {}
func (MessagesDeleted) event()     {}
func (FlagsChanged) event()        {}
func (FolderSynced) event()        {}
func (SendStatusChanged) event()   {}
func (ConnectivityChanged) event() {}

// Subscription is one subscriber's view of the bus. Events arrive on
// Events until Close is called.
type Subscription struct {
	bus   *Bus
	types map[reflect.Type]struct{}
	ch    chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(ev Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[reflect.TypeOf(ev)]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	log    *logrus.Entry
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		log:  logrus.WithField("component", "event"),
	}
}

// Subscribe registers a subscriber. With no type arguments it receives
// every event; otherwise only events whose type matches one of the
// given examples.
func (b *Bus) Subscribe(ofType ...Event) *Subscription {
	types := make(map[reflect.Type]struct{}, len(ofType))
	for _, ev := range ofType {
		types[reflect.TypeOf(ev)] = struct{}{}
	}
	sub := &Subscription{
		bus:   b,
		types: types,
		ch:    make(chan Event, 64),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber without
// blocking. A subscriber with a full channel misses the event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.WithField("type", reflect.TypeOf(ev).Name()).
				Warn("dropping event for slow subscriber")
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
