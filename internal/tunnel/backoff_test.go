package tunnel

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
		{-1, time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffDelay_Defaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != DefaultBackoff.Initial {
		t.Errorf("expected default initial %v, got %v", DefaultBackoff.Initial, got)
	}
	if got := b.Delay(100); got != DefaultBackoff.Initial {
		// Max falls back to Initial when unset
		t.Errorf("expected delay capped at %v, got %v", DefaultBackoff.Initial, got)
	}

	fractional := Backoff{Initial: time.Second, Max: time.Minute, Factor: 0.5}
	if got := fractional.Delay(1); got != 2*time.Second {
		t.Errorf("expected factor below 1 to use the default factor, got %v", got)
	}
}
