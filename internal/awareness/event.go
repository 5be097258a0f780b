// Package awareness watches the machine's network and power state and reports
// the transitions that should make a long-lived relay link reconsider itself.
package awareness

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies what changed.
type EventKind int

const (
	// EventNetworkChanged means the interface fingerprint differs from the
	// previous sample.
	EventNetworkChanged EventKind = iota + 1

	// EventNetworkRestored is a change where reachability flipped from false
	// to true.
	EventNetworkRestored

	// EventSystemWoke means the process was suspended, either detected from
	// a gap between samples or reported by the operating system.
	EventSystemWoke
)

func (k EventKind) String() string {
	switch k {
	case EventNetworkChanged:
		return "network-changed"
	case EventNetworkRestored:
		return "network-restored"
	case EventSystemWoke:
		return "system-woke"
	default:
		return "unknown"
	}
}

// Event is a single network or power transition.
type Event struct {
	Kind EventKind
	At   time.Time

	// Fingerprint is the sample that produced a network event.
	Fingerprint *Fingerprint

	// Gap is the observed time between samples for a detected wake.
	Gap time.Duration

	// Source names the detector ("timer", "logind", "iokit").
	Source string
}

// Source produces events until ctx is cancelled, then closes the channel.
type Source interface {
	Watch(ctx context.Context) <-chan Event
}

// Merge combines several sources into one. The merged channel closes once
// every input has closed.
func Merge(sources ...Source) Source {
	return merged(sources)
}

type merged []Source

func (m merged) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	var wg sync.WaitGroup
	for _, src := range m {
		ch := src.Watch(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// emit sends without blocking. A full buffer drops the event; the next
// sample reports the same condition again.
func emit(out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	default:
		return false
	}
}
