// Package daemon runs the tunnel-proxy host. It keeps the relay tunnel up,
// hands every accepted client stream to the proxy, and answers control
// commands on a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/awareness"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/db"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/keyring"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/pool"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/proxy"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/relay"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/tunnel"
)

// Options replace the collaborators New would otherwise build from the
// configuration. Zero fields get the production implementation.
type Options struct {
	Tokens     auth.Store
	Provider   auth.Provider
	Spawner    pool.Spawner
	Watcher    awareness.Source
	Database   *db.DB
	Logs       *LogBroadcaster
	Level      *slog.LevelVar
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
	RunID      string

	// FlagVerbose is the -v count given on the command line. Reloading the
	// config file never lowers verbosity below it.
	FlagVerbose int
}

// Daemon is one running host.
type Daemon struct {
	cfg          *core.Configuration
	flagVerbose  int
	runID        string
	startedAt    time.Time
	logger       *slog.Logger
	level        *slog.LevelVar
	logBroadcast *LogBroadcaster
	database     *db.DB

	auth   *auth.Controller
	tunnel *tunnel.Controller
	pool   *pool.Pool
	host   *proxy.Host

	ctx          context.Context
	cancelFunc   context.CancelFunc
	unsubscribe  []func()
	shutdownOnce sync.Once
	done         chan struct{}

	mu            sync.Mutex
	listener      net.Listener
	parentMonitor *ParentMonitor
}

// New wires a host from cfg. Nothing connects until Start.
func New(cfg *core.Configuration, opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logs == nil {
		opts.Logs = NewLogBroadcaster(0)
	}
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
		opts.Level.Set(LevelForVerbosity(cfg.Verbose))
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	configDir := cfg.ConfigPath
	if configDir == "" {
		configDir = core.DefaultConfigPath()
	}
	if opts.Tokens == nil {
		opts.Tokens = keyring.NewTokenStore(core.GetKeyringDir())
	}
	if opts.Provider == nil {
		opts.Provider = auth.NewOAuthProvider(cfg.Auth.ClientID, cfg.Auth.DeviceAuthURL, cfg.Auth.TokenURL, cfg.Auth.Scopes)
	}
	if opts.Spawner == nil {
		opts.Spawner = &pool.ExecSpawner{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Logger:  opts.Logger,
		}
	}
	if opts.Watcher == nil {
		sampler := &awareness.SystemSampler{
			ProbeHost:    cfg.Network.ProbeHost,
			ProbeTimeout: cfg.Network.ProbeTimeout,
			Logger:       opts.Logger,
		}
		opts.Watcher = awareness.Merge(
			awareness.NewNetworkMonitor(sampler, cfg.Network.CheckInterval, cfg.Network.WakeMultiplier,
				awareness.WithMonitorClock(opts.Clock),
				awareness.WithMonitorLogger(opts.Logger)),
			awareness.NewSleepMonitor(opts.Logger),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:          cfg,
		flagVerbose:  opts.FlagVerbose,
		runID:        opts.RunID,
		startedAt:    opts.Clock.Now(),
		logger:       opts.Logger,
		level:        opts.Level,
		logBroadcast: opts.Logs,
		database:     opts.Database,
		ctx:          ctx,
		cancelFunc:   cancel,
		done:         make(chan struct{}),
	}

	d.auth = auth.NewController(opts.Tokens, opts.Provider,
		auth.WithClock(opts.Clock),
		auth.WithLogger(opts.Logger))

	mgmt := relay.NewManagement(cfg.ManagementBaseURL(), d.auth.CurrentToken, opts.HTTPClient)
	dialer := &relay.Dialer{
		URL:        cfg.Relay.URL,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	}
	d.tunnel = tunnel.NewController(
		tunnel.RelayConnector(dialer),
		mgmt,
		d.auth,
		tunnel.NewFileStore(tunnel.DefaultRecordPath(configDir)),
		tunnel.Options{
			Port:     cfg.Relay.Port,
			Username: cfg.Relay.Username,
			Backoff: tunnel.Backoff{
				Initial: cfg.Reconnect.InitialBackoff,
				Max:     cfg.Reconnect.MaxBackoff,
				Factor:  cfg.Reconnect.BackoffFactor,
			},
			KeepaliveInterval: cfg.Reconnect.KeepaliveInterval,
			KeepaliveTimeout:  cfg.Reconnect.KeepaliveTimeout,
			Watcher:           &eventRecorder{source: opts.Watcher, daemon: d},
			Clock:             opts.Clock,
			Logger:            opts.Logger,
		},
	)

	d.pool = pool.New(opts.Spawner, pool.Options{
		GracePeriod:      cfg.Worker.GracePeriod,
		TerminateTimeout: cfg.Worker.TerminateTimeout,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
	})
	d.host = proxy.NewHost(d.pool, proxy.Options{
		DefaultDirectory: defaultDirectory(cfg.Worker.DefaultDirectory),
		Logger:           opts.Logger,
	})
	d.pool.SetObserver(d.host)

	d.unsubscribe = []func(){
		d.tunnel.OnStatusChange(d.handleStatusChange),
		d.tunnel.OnClientConnected(d.handleClientConnected),
		d.tunnel.OnClientDisconnected(d.handleClientDisconnected),
		d.pool.OnEvent(d.handlePoolEvent),
		d.auth.OnPrompt(d.handlePrompt),
	}

	return d
}

func defaultDirectory(dir string) string {
	if dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

// RunID identifies this host run in the event log.
func (d *Daemon) RunID() string {
	return d.runID
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Start brings the tunnel up. A connect that failed transiently is retried in
// the background and is not an error here; a sign in that failed is.
func (d *Daemon) Start(ctx context.Context) error {
	d.recordHostEvent("start", fmt.Sprintf("version %s, PID %d", core.FormatVersion(core.Version), os.Getpid()))

	ep, err := d.tunnel.Start(ctx)
	if err != nil {
		if errors.Is(err, tunnel.ErrStopped) {
			return nil
		}
		return fmt.Errorf("failed to start tunnel: %w", err)
	}
	if ep == nil {
		d.logger.Info("Tunnel is not connected yet, retrying in the background")
		return nil
	}
	d.logger.Info("Tunnel is ready", "tunnel", ep.TunnelID, "cluster", ep.ClusterID, "port", ep.Port)
	return nil
}

// Serve answers control commands on l until it is closed.
func (d *Daemon) Serve(l net.Listener) error {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-d.ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go d.handleConnection(conn)
	}
}

// Shutdown disconnects every client, terminates every worker and stops
// accepting commands. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("Executing shutdown sequence...")

		d.cancelFunc()
		d.tunnel.Stop()
		stats := d.host.Stats()
		d.host.Stop()

		for _, unsubscribe := range d.unsubscribe {
			unsubscribe()
		}

		d.mu.Lock()
		if d.listener != nil {
			d.listener.Close()
		}
		d.mu.Unlock()

		d.recordHostEvent("stop", fmt.Sprintf("clients %d, sessions %d", stats.Clients, stats.Sessions))
		if d.database != nil {
			if err := d.database.Flush(); err != nil {
				d.logger.Error("Failed to flush database during shutdown", "error", err)
			}
		}
		close(d.done)
	})
}

func (d *Daemon) handleStatusChange(ch tunnel.StatusChange) {
	attrs := []any{"state", ch.State.String(), "previous", ch.Previous.String(), "reason", ch.Reason}
	var tunnelID, details string
	if ch.Endpoint != nil {
		tunnelID = ch.Endpoint.TunnelID
		attrs = append(attrs, "tunnel", tunnelID)
	}
	if ch.Err != nil {
		details = ch.Err.Error()
		attrs = append(attrs, "error", ch.Err)
	}

	switch ch.State {
	case tunnel.StateError:
		d.logger.Warn("Tunnel state changed", attrs...)
	default:
		d.logger.Info("Tunnel state changed", attrs...)
	}

	if d.database != nil {
		if err := d.database.LogTunnelEvent(tunnelID, ch.State.String(), ch.Reason, details); err != nil {
			d.logger.Debug("Failed to record tunnel event", "error", err)
		}
	}
}

func (d *Daemon) handleClientConnected(ev tunnel.ClientEvent) {
	d.logger.Info("Client connected", "client", ev.ClientID)
	d.host.HandleClient(ev.Conn, ev.ClientID)
	d.recordClientEvent(ev.ClientID, "connected")
}

func (d *Daemon) handleClientDisconnected(ev tunnel.ClientEvent) {
	d.logger.Info("Client disconnected", "client", ev.ClientID)
	d.host.HandleClientDisconnect(ev.ClientID)
	d.recordClientEvent(ev.ClientID, "disconnected")
}

func (d *Daemon) handlePoolEvent(ev pool.Event) {
	attrs := []any{"dir", ev.WorkingDirectory, "pid", ev.PID, "refs", ev.RefCount}
	var details string
	if ev.Err != nil {
		details = ev.Err.Error()
		attrs = append(attrs, "error", ev.Err)
	}

	switch ev.Kind {
	case pool.EventSpawnFail, pool.EventExited:
		d.logger.Warn("Worker "+string(ev.Kind), attrs...)
	case pool.EventReused, pool.EventIdle:
		d.logger.Debug("Worker "+string(ev.Kind), attrs...)
	default:
		d.logger.Info("Worker "+string(ev.Kind), attrs...)
	}

	if d.database != nil {
		if err := d.database.LogPoolEvent(ev.WorkingDirectory, string(ev.Kind), ev.PID, ev.RefCount, details); err != nil {
			d.logger.Debug("Failed to record pool event", "error", err)
		}
	}
}

func (d *Daemon) handlePrompt(p auth.Prompt) {
	msg := p.Message
	if msg == "" {
		msg = fmt.Sprintf("To sign in, open %s and enter the code %s", p.VerificationURI, p.UserCode)
	}
	d.logger.Warn(msg, "url", p.VerificationURI, "code", p.UserCode)
	d.recordHostEvent("sign_in_required", p.VerificationURI)
}

func (d *Daemon) recordHostEvent(eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogHostEvent(eventType, details); err != nil {
		d.logger.Debug("Failed to record host event", "event", eventType, "error", err)
	}
}

func (d *Daemon) recordClientEvent(clientID uint64, eventType string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogClientEvent(clientID, eventType); err != nil {
		d.logger.Debug("Failed to record client event", "error", err)
	}
}

// eventRecorder passes network and power events through to the tunnel
// controller, logging each one on the way.
type eventRecorder struct {
	source awareness.Source
	daemon *Daemon
}

func (r *eventRecorder) Watch(ctx context.Context) <-chan awareness.Event {
	in := r.source.Watch(ctx)
	out := make(chan awareness.Event)
	go func() {
		defer close(out)
		for ev := range in {
			r.record(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *eventRecorder) record(ev awareness.Event) {
	var details []string
	if ev.Source != "" {
		details = append(details, "source "+ev.Source)
	}
	if ev.Gap > 0 {
		details = append(details, "gap "+ev.Gap.Round(time.Second).String())
	}
	if ev.Fingerprint != nil {
		details = append(details, fmt.Sprintf("reachable %v", ev.Fingerprint.Reachable))
	}
	r.daemon.logger.Info("Network event", "kind", ev.Kind.String(), "details", strings.Join(details, ", "))

	if r.daemon.database != nil {
		if err := r.daemon.database.LogNetworkEvent(ev.Kind.String(), strings.Join(details, ", ")); err != nil {
			r.daemon.logger.Debug("Failed to record network event", "error", err)
		}
	}
}
