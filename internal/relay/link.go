// Package relay connects the host to the tunnel relay. The data plane is a
// WebSocket carrying a yamux session on which the relay opens one stream per
// remote client; the management plane is a small HTTP API for tunnel records.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
)

// ErrLinkClosed is returned by Accept once the link has shut down.
var ErrLinkClosed = errors.New("relay: link closed")

// Endpoint identifies a tunnel and where remote clients reach it.
type Endpoint struct {
	TunnelID  string `json:"tunnelId"`
	ClusterID string `json:"clusterId"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
}

// Link is an established relay connection. Each accepted net.Conn is one
// remote client.
type Link struct {
	session *yamux.Session
	ws      *websocket.Conn
}

// NewLink wraps a yamux session on which this side accepts streams.
func NewLink(session *yamux.Session) *Link {
	return &Link{session: session}
}

// Accept waits for the next client stream.
func (l *Link) Accept() (net.Conn, error) {
	conn, err := l.session.Accept()
	if err != nil {
		if errors.Is(err, yamux.ErrSessionShutdown) || l.session.IsClosed() {
			return nil, ErrLinkClosed
		}
		return nil, err
	}
	return conn, nil
}

// Ping round-trips a yamux ping. It fails when ctx ends first.
func (l *Link) Ping(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		_, err := l.session.Ping()
		result <- err
	}()
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("relay ping: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay ping: %w", ctx.Err())
	}
}

// Close tears down the session and the WebSocket under it.
func (l *Link) Close() error {
	err := l.session.Close()
	if l.ws != nil {
		l.ws.CloseNow()
	}
	return err
}

// Done is closed when the session ends for any reason.
func (l *Link) Done() <-chan struct{} {
	return l.session.CloseChan()
}

// NumStreams reports the number of open client streams.
func (l *Link) NumStreams() int {
	return l.session.NumStreams()
}

// Dialer opens data-plane links.
type Dialer struct {
	// URL is the relay's WebSocket base, e.g. wss://relay.example.com.
	URL        string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Connect dials the relay for ep and authenticates with token. A rejected
// token is reported as auth.ErrUnauthorized, a token without access as
// ErrForbidden and an unknown tunnel as ErrNotFound.
func (d *Dialer) Connect(ctx context.Context, ep Endpoint, token string) (*Link, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, err := d.connectURL(ep)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", core.UserAgent())
	if ep.ClusterID != "" {
		header.Set("X-Cluster-Id", ep.ClusterID)
	}

	wsConn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("relay connect: %w", auth.ErrUnauthorized)
			case http.StatusForbidden:
				return nil, fmt.Errorf("relay connect: %w", ErrForbidden)
			case http.StatusNotFound:
				return nil, fmt.Errorf("relay connect: %w", ErrNotFound)
			}
		}
		return nil, fmt.Errorf("websocket dial to %s: %w", target, err)
	}
	wsConn.SetReadLimit(-1)

	// The link outlives the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	session, err := yamux.Server(netConn, yamuxConfig(logger))
	if err != nil {
		wsConn.CloseNow()
		return nil, fmt.Errorf("yamux server init: %w", err)
	}

	logger.Debug("Relay link established", "tunnel", ep.TunnelID, "url", target)
	return &Link{session: session, ws: wsConn}, nil
}

func (d *Dialer) connectURL(ep Endpoint) (string, error) {
	base, err := url.Parse(strings.TrimRight(d.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", d.URL, err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base = base.JoinPath("tunnels", ep.TunnelID, "connect")
	q := base.Query()
	q.Set("port", strconv.Itoa(ep.Port))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func yamuxConfig(logger *slog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	// The tunnel controller drives keepalive itself through Ping.
	cfg.EnableKeepAlive = false
	cfg.LogOutput = nil
	cfg.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	return cfg
}
