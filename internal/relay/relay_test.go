package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/testutil/fakerelay"
)

func staticToken(tok string) TokenProvider {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestManagement_CreateAndGet(t *testing.T) {
	srv := fakerelay.New(t, "good")
	m := NewManagement(srv.URL(), staticToken("good"), nil)
	ctx := context.Background()

	created, err := m.CreateTunnel(ctx, CreateTunnelRequest{Port: 4500, Username: "alice"})
	if err != nil {
		t.Fatalf("CreateTunnel failed: %v", err)
	}
	if created.ID == "" || created.ClusterID == "" {
		t.Fatalf("expected ids on created tunnel, got %+v", created)
	}

	got, err := m.GetTunnel(ctx, created.ClusterID, created.ID)
	if err != nil {
		t.Fatalf("GetTunnel failed: %v", err)
	}
	if got.Port != 4500 || got.Username != "alice" {
		t.Errorf("unexpected tunnel %+v", got)
	}

	ep := got.Endpoint()
	if ep.TunnelID != created.ID || ep.Port != 4500 {
		t.Errorf("unexpected endpoint %+v", ep)
	}
}

func TestManagement_MapsStatusCodes(t *testing.T) {
	srv := fakerelay.New(t, "good")
	ctx := context.Background()

	_, err := NewManagement(srv.URL(), staticToken("good"), nil).GetTunnel(ctx, "", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = NewManagement(srv.URL(), staticToken("expired"), nil).CreateTunnel(ctx, CreateTunnelRequest{Port: 1})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func forbiddenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing permission", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManagement_ForbiddenIsKeptApartFromUnauthorized(t *testing.T) {
	srv := forbiddenServer(t)

	_, err := NewManagement(srv.URL, staticToken("good"), nil).CreateTunnel(context.Background(), CreateTunnelRequest{Port: 1})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("a 403 must not trigger token renewal: %v", err)
	}
}

func TestManagement_SendsUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tunnelId":"tun-a","clusterId":"c1","port":4500}`))
	}))
	t.Cleanup(srv.Close)

	if _, err := NewManagement(srv.URL, staticToken("good"), nil).GetTunnel(context.Background(), "", "tun-a"); err != nil {
		t.Fatalf("GetTunnel failed: %v", err)
	}
	if ua := <-agents; !strings.HasPrefix(ua, "tunnel-proxy/") {
		t.Errorf("unexpected User-Agent %q", ua)
	}
}

func TestManagement_TokenProviderIsConsultedPerCall(t *testing.T) {
	srv := fakerelay.New(t, "second")
	current := "first"
	m := NewManagement(srv.URL(), func(context.Context) (string, error) { return current, nil }, nil)
	ctx := context.Background()

	if _, err := m.CreateTunnel(ctx, CreateTunnelRequest{Port: 1}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized with the first token, got %v", err)
	}

	current = "second"
	if _, err := m.CreateTunnel(ctx, CreateTunnelRequest{Port: 1}); err != nil {
		t.Fatalf("expected rotated token to be used, got %v", err)
	}
}

func TestManagement_DeleteToleratesMissing(t *testing.T) {
	srv := fakerelay.New(t, "good")
	m := NewManagement(srv.URL(), staticToken("good"), nil)

	if err := m.DeleteTunnel(context.Background(), "", "nope"); err != nil {
		t.Errorf("expected delete of unknown tunnel to succeed, got %v", err)
	}
}

func TestDialer_ConnectAcceptsStreams(t *testing.T) {
	srv := fakerelay.New(t, "good")
	srv.AddTunnel("tun-a", "c1", 4500)

	d := &Dialer{URL: srv.URL()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	link, err := d.Connect(ctx, Endpoint{TunnelID: "tun-a", ClusterID: "c1", Port: 4500}, "good")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Close()

	go func() {
		client, err := srv.Dial("tun-a", 2*time.Second)
		if err != nil {
			t.Errorf("Dial failed: %v", err)
			return
		}
		defer client.Close()
		client.Write([]byte("hello"))
	}()

	conn, err := link.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("expected 'hello', got %q", buf)
	}

	if err := link.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestDialer_ConnectMapsErrors(t *testing.T) {
	srv := fakerelay.New(t, "good")
	srv.AddTunnel("tun-a", "c1", 4500)
	d := &Dialer{URL: srv.URL()}
	ctx := context.Background()

	_, err := d.Connect(ctx, Endpoint{TunnelID: "tun-a"}, "bad")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	_, err = d.Connect(ctx, Endpoint{TunnelID: "gone"}, "good")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDialer_ConnectForbiddenIsKeptApartFromUnauthorized(t *testing.T) {
	srv := forbiddenServer(t)
	d := &Dialer{URL: srv.URL}

	_, err := d.Connect(context.Background(), Endpoint{TunnelID: "tun-a"}, "good")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("a 403 must not trigger token renewal: %v", err)
	}
}

func TestLink_DoneAfterRemoteClose(t *testing.T) {
	a, b := net.Pipe()
	server, err := yamux.Server(a, yamuxConfig(slog.Default()))
	if err != nil {
		t.Fatal(err)
	}
	client, err := yamux.Client(b, yamux.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	link := NewLink(server)
	client.Close()

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link did not report remote close")
	}

	if _, err := link.Accept(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := link.Ping(ctx); err == nil {
		t.Error("expected ping on a closed link to fail")
	}
}
