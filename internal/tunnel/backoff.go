package tunnel

import "time"

// Backoff computes retry delays: Initial * Factor^retry, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff matches the shipped configuration.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 2 * time.Minute, Factor: 2}

// Delay returns the wait before attempt number retry (0-based).
func (b Backoff) Delay(retry int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	maxBackoff := b.Max
	if maxBackoff < initial {
		maxBackoff = initial
	}
	factor := b.Factor
	if factor < 1 {
		factor = DefaultBackoff.Factor
	}

	if retry <= 0 {
		return initial
	}

	backoff := initial
	for i := 0; i < retry && backoff < maxBackoff; i++ {
		backoff = time.Duration(float64(backoff) * factor)
	}

	// Cap at maxBackoff
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
