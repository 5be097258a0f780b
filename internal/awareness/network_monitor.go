package awareness

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Fingerprint summarises the machine's network attachment. Two samples are
// equal when the same addresses sit on the same interfaces and reachability
// agrees.
type Fingerprint struct {
	// Addresses holds sorted "interface|address" pairs.
	Addresses []string
	Reachable bool
}

// Equal reports whether two fingerprints describe the same network.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Reachable == other.Reachable && slices.Equal(f.Addresses, other.Addresses)
}

// NewFingerprint builds a fingerprint from interface/address pairs in any
// order.
func NewFingerprint(reachable bool, pairs ...string) Fingerprint {
	addrs := slices.Clone(pairs)
	slices.Sort(addrs)
	return Fingerprint{Addresses: slices.Compact(addrs), Reachable: reachable}
}

// Sampler takes one fingerprint.
type Sampler interface {
	Sample(ctx context.Context) Fingerprint
}

// SystemSampler reads interfaces with gopsutil and checks reachability by
// resolving ProbeHost.
type SystemSampler struct {
	ProbeHost    string
	ProbeTimeout time.Duration
	Resolver     *net.Resolver
	Logger       *slog.Logger
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) Fingerprint {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var pairs []string
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		logger.Debug("Failed to list network interfaces", "error", err)
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			pairs = append(pairs, iface.Name+"|"+addr.Addr)
		}
	}

	return NewFingerprint(s.reachable(ctx, logger), pairs...)
}

func (s *SystemSampler) reachable(ctx context.Context, logger *slog.Logger) bool {
	if s.ProbeHost == "" {
		return true
	}
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	resolver := s.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupHost(ctx, s.ProbeHost)
	if err != nil {
		logger.Debug("Reachability probe failed", "host", s.ProbeHost, "error", err)
		return false
	}
	return len(addrs) > 0
}

// NetworkMonitor samples the network at a fixed interval and reports
// changes. It also notices when the process itself was suspended: if the
// wall-clock time between two samples exceeds interval*WakeMultiplier a
// wake event is emitted even when the network looks identical.
type NetworkMonitor struct {
	sampler        Sampler
	clock          clockwork.Clock
	interval       time.Duration
	wakeMultiplier float64
	logger         *slog.Logger

	mu     sync.Mutex
	last   *Fingerprint
	lastAt time.Time
}

// MonitorOption configures a NetworkMonitor.
type MonitorOption func(*NetworkMonitor)

// WithMonitorClock overrides the clock.
func WithMonitorClock(c clockwork.Clock) MonitorOption {
	return func(m *NetworkMonitor) { m.clock = c }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *NetworkMonitor) { m.logger = l }
}

// NewNetworkMonitor creates a monitor. A wakeMultiplier below 2 is raised to 2.
func NewNetworkMonitor(sampler Sampler, interval time.Duration, wakeMultiplier float64, opts ...MonitorOption) *NetworkMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if wakeMultiplier < 2 {
		wakeMultiplier = 2
	}
	m := &NetworkMonitor{
		sampler:        sampler,
		clock:          clockwork.NewRealClock(),
		interval:       interval,
		wakeMultiplier: wakeMultiplier,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch samples immediately and then every interval until ctx ends. The
// previous sample is forgotten when Watch starts so a restarted watch does
// not report a wake for the time it was idle.
func (m *NetworkMonitor) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)

	m.mu.Lock()
	m.last = nil
	m.lastAt = time.Time{}
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.interval)
	go func() {
		defer close(out)
		defer ticker.Stop()

		m.sampleAndEmit(ctx, out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.sampleAndEmit(ctx, out)
			}
		}
	}()

	m.logger.Debug("Network monitor started", "interval", m.interval, "wake_multiplier", m.wakeMultiplier)
	return out
}

func (m *NetworkMonitor) sampleAndEmit(ctx context.Context, out chan<- Event) {
	for _, ev := range m.check(ctx) {
		if !emit(out, ev) {
			m.logger.Warn("Dropping network event, consumer is behind", "event", ev.Kind.String())
		}
	}
}

// check takes one sample and returns the events it implies.
func (m *NetworkMonitor) check(ctx context.Context) []Event {
	// Strip the monotonic reading: it stops while the machine is suspended.
	now := m.clock.Now().Round(0)
	fp := m.sampler.Sample(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	if !m.lastAt.IsZero() {
		gap := now.Sub(m.lastAt)
		threshold := time.Duration(float64(m.interval) * m.wakeMultiplier)
		if gap > threshold {
			m.logger.Info("Detected system wake", "gap", gap.Round(time.Second))
			events = append(events, Event{Kind: EventSystemWoke, At: now, Gap: gap, Source: "timer"})
		}
	}

	if m.last != nil && !fp.Equal(*m.last) {
		kind := EventNetworkChanged
		if !m.last.Reachable && fp.Reachable {
			kind = EventNetworkRestored
		}
		m.logger.Info("Network changed",
			"event", kind.String(),
			"reachable", fp.Reachable,
			"addresses", strings.Join(fp.Addresses, ","))
		sample := fp
		events = append(events, Event{Kind: kind, At: now, Fingerprint: &sample, Source: "timer"})
	}

	m.last = &fp
	m.lastAt = now
	return events
}

// Last returns the most recent sample, if any.
func (m *NetworkMonitor) Last() (Fingerprint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Fingerprint{}, false
	}
	return *m.last, true
}
