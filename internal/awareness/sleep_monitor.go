package awareness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SleepMonitor reports wake-ups signalled by the operating system. It is the
// native counterpart to the timer heuristic in NetworkMonitor; platforms
// without a supported signal produce no events.
type SleepMonitor struct {
	mu        sync.RWMutex
	sleeping  bool
	wakeTime  time.Time
	logger    *slog.Logger
	source    string
	listeners []chan<- Event
}

// NewSleepMonitor creates a new SleepMonitor.
func NewSleepMonitor(logger *slog.Logger) *SleepMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepMonitor{logger: logger, source: platformSource}
}

// Watch starts the platform listener and returns wake events until ctx ends.
func (m *SleepMonitor) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 4)

	m.mu.Lock()
	m.listeners = append(m.listeners, out)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, l := range m.listeners {
			if l == out {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(out)
	}()

	m.start(ctx)
	return out
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	m.sleeping = true
	m.mu.Unlock()

	m.logger.Info("System entering sleep")
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return // Already awake
	}
	m.sleeping = false
	m.wakeTime = time.Now()
	ev := Event{Kind: EventSystemWoke, At: m.wakeTime, Source: m.source}
	for _, l := range m.listeners {
		emit(l, ev)
	}
	m.mu.Unlock()

	m.logger.Info("System waking up")
}

// IsSleeping returns true if the system is currently marked as sleeping.
func (m *SleepMonitor) IsSleeping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sleeping
}

// LastWake returns when the system last woke, or the zero time.
func (m *SleepMonitor) LastWake() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wakeTime
}
