// Package netmon watches network reachability. A single shared monitor
// probes a well-known endpoint on an interval and broadcasts
// online/offline transitions so that per-account loops can pause and
// resume without probing on their own.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/event"
)

const (
	defaultInterval = 15 * time.Second
	probeAddr       = "1.1.1.1:53"
	probeTimeout    = 3 * time.Second
)

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

func dialProbe(ctx context.Context) bool {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", probeAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Monitor tracks connectivity and publishes ConnectivityChanged events
// on transitions. It starts optimistic: consumers see the monitor as
// online until the first probe says otherwise.
type Monitor struct {
	bus      *event.Bus
	probe    Probe
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	online  bool
	waiting []chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbe replaces the default TCP dial probe.
func WithProbe(p Probe) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func New(bus *event.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		bus:      bus,
		probe:    dialProbe,
		interval: defaultInterval,
		online:   true,
		log:      logrus.WithField("component", "netmon"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// WaitOnline blocks until the monitor observes connectivity or the
// context is done. It returns immediately when already online.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiting = append(m.waiting, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run probes on the configured interval until the context is done. The
// first probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.observe(m.probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe(ctx))
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var waiting []chan struct{}
	if online {
		waiting = m.waiting
		m.waiting = nil
	}
	m.mu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
	if !changed {
		return
	}
	if online {
		m.log.Info("network is back")
	} else {
		m.log.Warn("network is unreachable")
	}
	m.bus.Publish(event.ConnectivityChanged{Online: online})
}
