// Package tunnel keeps one relay tunnel alive. The Controller connects
// through the relay, probes the link, reconnects with capped exponential
// backoff, and hands every accepted client stream to its observers.
package tunnel

import (
	"errors"
	"time"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/relay"
)

// ErrStopped is returned to callers whose connect attempt was cut short by
// Stop.
var ErrStopped = errors.New("tunnel: stopped")

// Endpoint is where remote clients reach this host.
type Endpoint = relay.Endpoint

// State is the connection state of the tunnel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusChange describes one state transition.
type StatusChange struct {
	State    State
	Previous State
	Reason   string
	Endpoint *Endpoint
	Err      error
	At       time.Time
}

// ClientEvent reports a client stream being attached or detached.
type ClientEvent struct {
	ClientID  uint64
	Connected bool
	Conn      *ClientConn
}

// Status is a point-in-time view of the controller.
type Status struct {
	State      State
	Endpoint   *Endpoint
	RetryCount int
	NextRetry  time.Time
	Clients    int
	LastError  string
	Since      time.Time
}
