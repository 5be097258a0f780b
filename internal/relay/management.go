package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
)

var (
	// ErrNotFound means the relay no longer knows the tunnel.
	ErrNotFound = errors.New("relay: tunnel not found")
	// ErrForbidden means the token was accepted but does not grant access.
	// A fresh token will not help, so it is kept apart from auth.ErrUnauthorized.
	ErrForbidden = errors.New("relay: access forbidden")
)

// TokenProvider returns the access token to send with the next request.
// It is consulted on every call so a rotated token is picked up without
// rebuilding the client.
type TokenProvider func(ctx context.Context) (string, error)

// Tunnel is the relay's record of a tunnel.
type Tunnel struct {
	ID        string    `json:"tunnelId"`
	ClusterID string    `json:"clusterId"`
	Port      int       `json:"port"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Endpoint returns the data-plane address of the tunnel.
func (t *Tunnel) Endpoint() Endpoint {
	return Endpoint{TunnelID: t.ID, ClusterID: t.ClusterID, Port: t.Port, Username: t.Username}
}

// CreateTunnelRequest describes a tunnel to create.
type CreateTunnelRequest struct {
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
}

// Management is a client for the relay's tunnel API.
type Management struct {
	baseURL string
	token   TokenProvider
	client  *http.Client
}

// NewManagement creates a client rooted at baseURL.
func NewManagement(baseURL string, token TokenProvider, client *http.Client) *Management {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Management{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// GetTunnel fetches a tunnel record.
func (m *Management) GetTunnel(ctx context.Context, clusterID, tunnelID string) (*Tunnel, error) {
	path := "/tunnels/" + url.PathEscape(tunnelID)
	if clusterID != "" {
		path += "?clusterId=" + url.QueryEscape(clusterID)
	}
	var t Tunnel
	if err := m.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, fmt.Errorf("get tunnel %s: %w", tunnelID, err)
	}
	return &t, nil
}

// CreateTunnel asks the relay for a new tunnel.
func (m *Management) CreateTunnel(ctx context.Context, req CreateTunnelRequest) (*Tunnel, error) {
	var t Tunnel
	if err := m.do(ctx, http.MethodPost, "/tunnels", req, &t); err != nil {
		return nil, fmt.Errorf("create tunnel: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("create tunnel: response has no tunnel id")
	}
	return &t, nil
}

// DeleteTunnel removes a tunnel. Deleting an unknown tunnel is not an error.
func (m *Management) DeleteTunnel(ctx context.Context, clusterID, tunnelID string) error {
	path := "/tunnels/" + url.PathEscape(tunnelID)
	if clusterID != "" {
		path += "?clusterId=" + url.QueryEscape(clusterID)
	}
	err := m.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete tunnel %s: %w", tunnelID, err)
	}
	return nil
}

func (m *Management) do(ctx context.Context, method, path string, in, out any) error {
	token, err := m.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", core.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return auth.ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
