// Package connectivity tracks whether the device can reach the remote store.
// Raw observations are debounced so a flapping link produces one transition
// per settled state change.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/events"
	"github.com/kimhsiao/tourneysync/internal/logging"
)

// MinSettleWindow is the shortest accepted debounce window.
const MinSettleWindow = time.Second

// NetworkType describes the active link.
type NetworkType string

const (
	NetworkUnknown  NetworkType = "unknown"
	NetworkNone     NetworkType = "none"
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
)

// State is a connectivity observation. IsConnected reports a network link;
// IsOnline reports that the remote store is actually reachable over it.
type State struct {
	IsOnline    bool        `json:"is_online"`
	IsConnected bool        `json:"is_connected"`
	NetworkType NetworkType `json:"network_type"`
}

// Online is the state of a reachable remote store.
func Online(network NetworkType) State {
	return State{IsOnline: true, IsConnected: true, NetworkType: network}
}

// Offline is the state of a device without a link.
func Offline() State {
	return State{NetworkType: NetworkNone}
}

// Options configures a Monitor.
type Options struct {
	// SettleWindow is how long an observation must hold before it is
	// published. Values below MinSettleWindow are raised to it.
	SettleWindow time.Duration
	Initial      State
}

// Monitor publishes settled connectivity transitions.
type Monitor struct {
	mu      sync.Mutex
	clock   clock.Clock
	settle  time.Duration
	current State
	pending *State
	timer   clock.Timer
	bus     *events.Bus[State]
}

// NewMonitor creates a Monitor starting in opts.Initial.
func NewMonitor(clk clock.Clock, opts Options) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.SettleWindow < MinSettleWindow {
		opts.SettleWindow = MinSettleWindow
	}
	if opts.Initial.NetworkType == "" {
		opts.Initial.NetworkType = NetworkUnknown
	}
	return &Monitor{
		clock:   clk,
		settle:  opts.SettleWindow,
		current: opts.Initial,
		bus:     events.NewBus[State](),
	}
}

// Current returns the last settled state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsOnline reports whether the last settled state is online.
func (m *Monitor) IsOnline() bool {
	return m.Current().IsOnline
}

// Subscribe registers fn for settled transitions. Each callback fires at most
// once per state change.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.bus.Subscribe(fn)
}

// Report feeds a raw observation. It becomes current only after holding for
// the settle window; a reversal inside the window cancels it.
func (m *Monitor) Report(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil && *m.pending == s {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
	if s == m.current {
		return
	}

	observed := s
	m.pending = &observed
	m.timer = m.clock.AfterFunc(m.settle, func() { m.commit(observed) })
}

func (m *Monitor) commit(s State) {
	m.mu.Lock()
	if m.pending == nil || *m.pending != s {
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.current = s
	m.pending = nil
	m.timer = nil
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{
		"was_online":   prev.IsOnline,
		"is_online":    s.IsOnline,
		"network_type": string(s.NetworkType),
	})
	m.bus.Publish(s)
}

// Prober observes connectivity once.
type Prober interface {
	Probe(ctx context.Context) State
}

// Run polls prober every interval and reports each observation until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Report(prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report(prober.Probe(ctx))
		}
	}
}
