package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/awareness"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/observer"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/relay"
)

// Link is an established data-plane connection to the relay.
type Link interface {
	Accept() (net.Conn, error)
	Ping(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
}

// Connector opens links.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint, token string) (Link, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, ep Endpoint, token string) (Link, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, ep Endpoint, token string) (Link, error) {
	return f(ctx, ep, token)
}

// RelayConnector adapts a relay.Dialer.
func RelayConnector(d *relay.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, ep Endpoint, token string) (Link, error) {
		link, err := d.Connect(ctx, ep, token)
		if err != nil {
			return nil, err
		}
		return link, nil
	})
}

// Management is the subset of the relay management API the controller uses.
type Management interface {
	GetTunnel(ctx context.Context, clusterID, tunnelID string) (*relay.Tunnel, error)
	CreateTunnel(ctx context.Context, req relay.CreateTunnelRequest) (*relay.Tunnel, error)
}

// Authenticator runs an operation with a token, renewing it once on
// rejection.
type Authenticator interface {
	WithAuthRetry(ctx context.Context, op func(ctx context.Context, token string) error) error
}

// Options tune the controller.
type Options struct {
	Port     int
	Username string

	Backoff           Backoff
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// Watcher reports network and power events. Nil disables them.
	Watcher awareness.Source

	Clock  clockwork.Clock
	Logger *slog.Logger
}

const connectTimeout = 30 * time.Second

// Controller owns the lifecycle of one tunnel endpoint.
type Controller struct {
	connector Connector
	mgmt      Management
	auth      Authenticator
	store     Store
	watcher   awareness.Source
	backoff   Backoff
	keepalive time.Duration
	probeWait time.Duration
	port      int
	username  string
	clock     clockwork.Clock
	logger    *slog.Logger

	group    singleflight.Group
	statuses observer.List[StatusChange]
	clientEv observer.List[ClientEvent]

	nextClientID atomic.Uint64

	// probeMu is write-held while a keepalive probe validates the link
	// after a wake; the accept loop read-locks it before dispatching.
	probeMu sync.RWMutex

	mu         sync.Mutex
	state      State
	since      time.Time
	endpoint   *Endpoint
	link       Link
	linkGen    uint64
	retryCount int
	retryTimer clockwork.Timer
	nextRetry  time.Time
	lastErr    error
	authFailed bool
	runCtx     context.Context
	cancel     context.CancelFunc
	clients    map[uint64]*ClientConn
}

// NewController creates a stopped controller.
func NewController(connector Connector, mgmt Management, authn Authenticator, store Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.KeepaliveTimeout <= 0 {
		opts.KeepaliveTimeout = 10 * time.Second
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	return &Controller{
		connector: connector,
		mgmt:      mgmt,
		auth:      authn,
		store:     store,
		watcher:   opts.Watcher,
		backoff:   opts.Backoff,
		keepalive: opts.KeepaliveInterval,
		probeWait: opts.KeepaliveTimeout,
		port:      opts.Port,
		username:  opts.Username,
		clock:     opts.Clock,
		logger:    opts.Logger,
		since:     opts.Clock.Now(),
		clients:   make(map[uint64]*ClientConn),
	}
}

// OnStatusChange registers fn for state transitions.
func (c *Controller) OnStatusChange(fn func(StatusChange)) func() {
	return c.statuses.Subscribe(fn)
}

// OnClientConnected registers fn for newly accepted client streams.
func (c *Controller) OnClientConnected(fn func(ClientEvent)) func() {
	return c.clientEv.Subscribe(func(ev ClientEvent) {
		if ev.Connected {
			fn(ev)
		}
	})
}

// OnClientDisconnected registers fn for client streams that went away.
func (c *Controller) OnClientDisconnected(fn func(ClientEvent)) func() {
	return c.clientEv.Subscribe(func(ev ClientEvent) {
		if !ev.Connected {
			fn(ev)
		}
	})
}

// Start connects the tunnel. While connecting or connected it returns the
// in-flight or current result instead of opening a second link. A failed
// attempt that will be retried returns (nil, nil); progress is reported
// through OnStatusChange. Authentication that failed even after renewal is
// returned as an error and is not retried until Start is called again.
func (c *Controller) Start(ctx context.Context) (*Endpoint, error) {
	c.mu.Lock()
	if c.state == StateConnected && c.endpoint != nil {
		ep := *c.endpoint
		c.mu.Unlock()
		return &ep, nil
	}
	if c.runCtx == nil {
		c.runCtx, c.cancel = context.WithCancel(context.Background())
		if c.watcher != nil {
			go c.watch(c.runCtx)
		}
	}
	runCtx := c.runCtx
	c.authFailed = false
	c.mu.Unlock()

	ch := c.group.DoChan("connect", func() (any, error) {
		return c.connect(runCtx, "start")
	})
	select {
	case res := <-ch:
		ep, _ := res.Val.(*Endpoint)
		if ep != nil {
			cp := *ep
			ep = &cp
		}
		return ep, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reconnect drops the current link, if any, and connects again.
func (c *Controller) Reconnect(ctx context.Context) (*Endpoint, error) {
	c.mu.Lock()
	var clients []*ClientConn
	if c.link != nil {
		clients = c.dropLinkLocked("reconnect requested")
	}
	c.retryCount = 0
	c.mu.Unlock()

	for _, cl := range clients {
		cl.Close()
	}
	return c.Start(ctx)
}

// Stop tears down the link and every client stream and cancels pending
// retries. It is safe in any state and may be called repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.runCtx, c.cancel = nil, nil
	c.stopRetryLocked()
	// A new Start must not join an attempt that belongs to the old run.
	c.group.Forget("connect")

	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.linkGen++
	clients := c.takeClientsLocked()
	c.retryCount = 0
	c.authFailed = false
	c.setStateLocked(StateDisconnected, "stopped", nil)
	c.mu.Unlock()

	for _, cl := range clients {
		cl.Close()
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:      c.state,
		RetryCount: c.retryCount,
		NextRetry:  c.nextRetry,
		Clients:    len(c.clients),
		Since:      c.since,
	}
	if c.endpoint != nil {
		ep := *c.endpoint
		st.Endpoint = &ep
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// connect performs one authenticated connect attempt. It runs inside the
// "connect" flight, so at most one executes at a time.
func (c *Controller) connect(runCtx context.Context, reason string) (*Endpoint, error) {
	c.mu.Lock()
	if runCtx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.stopRetryLocked()
	c.setStateLocked(StateConnecting, reason, nil)
	c.mu.Unlock()

	var (
		ep   Endpoint
		link Link
	)
	err := c.auth.WithAuthRetry(runCtx, func(ctx context.Context, token string) error {
		resolved, err := c.resolveEndpoint(ctx)
		if err != nil {
			return err
		}
		l, err := c.dial(ctx, resolved, token)
		if errors.Is(err, relay.ErrNotFound) {
			c.logger.Info("Relay no longer knows the tunnel, creating a new one", "tunnel", resolved.TunnelID)
			if resolved, err = c.createEndpoint(ctx); err != nil {
				return err
			}
			l, err = c.dial(ctx, resolved, token)
		}
		if err != nil {
			return err
		}
		ep, link = resolved, l
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if runCtx.Err() != nil {
		if link != nil {
			link.Close()
		}
		return nil, ErrStopped
	}

	if err != nil {
		c.lastErr = err
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrSignIn) || errors.Is(err, relay.ErrForbidden) {
			c.authFailed = true
			c.setStateLocked(StateError, "authentication failed", err)
			c.logger.Error("Tunnel authentication failed", "error", err)
			return nil, fmt.Errorf("connect tunnel: %w", err)
		}
		c.setStateLocked(StateError, "connect failed", err)
		c.scheduleRetryLocked(runCtx)
		return nil, nil
	}

	c.link = link
	c.linkGen++
	gen := c.linkGen
	c.endpoint = &ep
	c.retryCount = 0
	c.lastErr = nil
	c.setStateLocked(StateConnected, reason, nil)
	c.logger.Info("Tunnel connected", "tunnel", ep.TunnelID, "cluster", ep.ClusterID, "port", ep.Port)

	go c.acceptLoop(runCtx, link, gen)
	go c.keepaliveLoop(runCtx, link, gen)

	out := ep
	return &out, nil
}

func (c *Controller) dial(ctx context.Context, ep Endpoint, token string) (Link, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return c.connector.Connect(ctx, ep, token)
}

func (c *Controller) resolveEndpoint(ctx context.Context) (Endpoint, error) {
	rec, err := c.store.Load()
	if err != nil {
		c.logger.Warn("Failed to load tunnel record", "error", err)
	}
	if rec != nil {
		t, err := c.mgmt.GetTunnel(ctx, rec.ClusterID, rec.TunnelID)
		if err == nil {
			return c.endpointFor(t), nil
		}
		if !errors.Is(err, relay.ErrNotFound) {
			return Endpoint{}, err
		}
		c.logger.Info("Persisted tunnel no longer exists, creating a new one", "tunnel", rec.TunnelID)
	}
	return c.createEndpoint(ctx)
}

func (c *Controller) createEndpoint(ctx context.Context) (Endpoint, error) {
	t, err := c.mgmt.CreateTunnel(ctx, relay.CreateTunnelRequest{Port: c.port, Username: c.username})
	if err != nil {
		return Endpoint{}, err
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = c.clock.Now()
	}
	if err := c.store.Save(Record{TunnelID: t.ID, ClusterID: t.ClusterID, CreatedAt: created}); err != nil {
		c.logger.Warn("Failed to persist tunnel record", "error", err)
	}
	c.logger.Info("Created tunnel", "tunnel", t.ID, "cluster", t.ClusterID)
	return c.endpointFor(t), nil
}

func (c *Controller) endpointFor(t *relay.Tunnel) Endpoint {
	ep := t.Endpoint()
	if ep.Port == 0 {
		ep.Port = c.port
	}
	if ep.Username == "" {
		ep.Username = c.username
	}
	return ep
}

// scheduleRetryLocked arms the backoff timer for the next attempt.
func (c *Controller) scheduleRetryLocked(runCtx context.Context) {
	delay := c.backoff.Delay(c.retryCount)
	c.retryCount++
	c.nextRetry = c.clock.Now().Add(delay)
	c.logger.Warn("Tunnel connect failed, retrying", "retry", c.retryCount, "in", delay, "error", c.lastErr)

	// Let the timer start a fresh flight even if this one has not returned yet.
	c.group.Forget("connect")
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.reconnect(runCtx, "retry")
	})
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.nextRetry = time.Time{}
}

func (c *Controller) reconnect(runCtx context.Context, reason string) {
	if runCtx.Err() != nil {
		return
	}
	c.group.Do("connect", func() (any, error) {
		return c.connect(runCtx, reason)
	})
}

func (c *Controller) acceptLoop(runCtx context.Context, link Link, gen uint64) {
	for {
		conn, err := link.Accept()
		if err != nil {
			c.linkLost(runCtx, gen, err)
			return
		}

		// Hold new streams while a probe is validating the link.
		c.probeMu.RLock()
		c.admit(conn, gen)
		c.probeMu.RUnlock()
	}
}

func (c *Controller) admit(conn net.Conn, gen uint64) {
	c.mu.Lock()
	if gen != c.linkGen || c.state != StateConnected {
		c.mu.Unlock()
		c.logger.Debug("Dropping client stream from a stale link")
		conn.Close()
		return
	}
	id := c.nextClientID.Add(1)
	cc := &ClientConn{Conn: conn, id: id, ctl: c}
	c.clients[id] = cc
	c.mu.Unlock()

	c.logger.Debug("Client connected", "client", id)
	c.clientEv.Emit(ClientEvent{ClientID: id, Connected: true, Conn: cc})
}

func (c *Controller) clientClosed(cc *ClientConn) {
	c.mu.Lock()
	delete(c.clients, cc.id)
	c.mu.Unlock()

	c.logger.Debug("Client disconnected", "client", cc.id)
	c.clientEv.Emit(ClientEvent{ClientID: cc.id})
}

func (c *Controller) keepaliveLoop(runCtx context.Context, link Link, gen uint64) {
	ticker := c.clock.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-link.Done():
			c.linkLost(runCtx, gen, relay.ErrLinkClosed)
			return
		case <-ticker.Chan():
			if err := c.probe(runCtx, link); err != nil {
				c.linkLost(runCtx, gen, err)
				return
			}
		}
	}
}

func (c *Controller) probe(ctx context.Context, link Link) error {
	ctx, cancel := clockwork.WithTimeout(ctx, c.clock, c.probeWait)
	defer cancel()
	return link.Ping(ctx)
}

// verifyLink probes the link before any further client stream is admitted.
// A failed probe drops the link (and the held streams) and reconnects.
func (c *Controller) verifyLink(runCtx context.Context, reason string) {
	c.mu.Lock()
	link, gen, state := c.link, c.linkGen, c.state
	c.mu.Unlock()
	if state != StateConnected || link == nil {
		return
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	c.logger.Debug("Probing tunnel link", "reason", reason)
	if err := c.probe(runCtx, link); err != nil {
		c.logger.Info("Keepalive probe failed", "reason", reason, "error", err)
		c.linkLost(runCtx, gen, err)
		return
	}
	c.logger.Debug("Tunnel link is healthy", "reason", reason)
}

// linkLost handles the end of link generation gen: the link and its clients
// are closed and a reconnect starts immediately.
func (c *Controller) linkLost(runCtx context.Context, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.linkGen || runCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.lastErr = cause
	clients := c.dropLinkLocked("keepalive failed")
	c.mu.Unlock()

	for _, cl := range clients {
		cl.Close()
	}
	go c.reconnect(runCtx, "keepalive failed")
}

// dropLinkLocked closes the current link and returns the clients that were
// attached to it.
func (c *Controller) dropLinkLocked(reason string) []*ClientConn {
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.linkGen++
	c.setStateLocked(StateDisconnected, reason, c.lastErr)
	return c.takeClientsLocked()
}

func (c *Controller) takeClientsLocked() []*ClientConn {
	clients := make([]*ClientConn, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	return clients
}

func (c *Controller) watch(runCtx context.Context) {
	for ev := range c.watcher.Watch(runCtx) {
		c.handleEvent(runCtx, ev)
	}
}

func (c *Controller) handleEvent(runCtx context.Context, ev awareness.Event) {
	switch ev.Kind {
	case awareness.EventNetworkRestored, awareness.EventSystemWoke:
		c.mu.Lock()
		c.retryCount = 0
		state := c.state
		retryNow := state == StateError && !c.authFailed
		if retryNow {
			c.stopRetryLocked()
		}
		c.mu.Unlock()

		c.logger.Info("Network event", "event", ev.Kind.String(), "state", state.String())
		switch {
		case retryNow:
			go c.reconnect(runCtx, ev.Kind.String())
		case state == StateConnected:
			c.verifyLink(runCtx, ev.Kind.String())
		}

	case awareness.EventNetworkChanged:
		if ev.Fingerprint != nil && ev.Fingerprint.Reachable {
			c.verifyLink(runCtx, ev.Kind.String())
		}
	}
}

func (c *Controller) setStateLocked(state State, reason string, err error) {
	if c.state == state {
		return
	}
	prev := c.state
	c.state = state
	c.since = c.clock.Now()

	change := StatusChange{State: state, Previous: prev, Reason: reason, Err: err, At: c.since}
	if c.endpoint != nil {
		ep := *c.endpoint
		change.Endpoint = &ep
	}
	c.logger.Debug("Tunnel state changed", "from", prev.String(), "to", state.String(), "reason", reason)
	c.statuses.Emit(change)
}

// ClientConn is an accepted client stream. Closing it reports the client as
// disconnected exactly once.
type ClientConn struct {
	net.Conn
	id   uint64
	ctl  *Controller
	once sync.Once
}

// ID returns the client id, unique for the controller's lifetime.
func (cc *ClientConn) ID() uint64 {
	return cc.id
}

// Close closes the stream.
func (cc *ClientConn) Close() error {
	var err error
	cc.once.Do(func() {
		err = cc.Conn.Close()
		cc.ctl.clientClosed(cc)
	})
	return err
}
