// Package auth obtains and renews the access token used for the relay's
// management plane. Tokens are validated lazily: a token is assumed good until
// an operation reports ErrUnauthorized, at which point WithAuthRetry renews it
// exactly once.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/observer"
)

var (
	// ErrUnauthorized marks a failure caused by a rejected or expired token.
	// Collaborators wrap it so errors.Is works across package boundaries.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoToken is returned by CurrentToken when nothing is cached or stored.
	ErrNoToken = errors.New("no stored token")

	// ErrSignIn marks a device flow the identity provider refused or that
	// expired. An unreachable provider is not a sign in failure.
	ErrSignIn = errors.New("sign in failed")
)

// Token is an access/refresh token pair. No expiry is tracked.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// Store persists a single token pair.
type Store interface {
	// Load returns nil, nil when no token is stored.
	Load() (*Token, error)
	Save(token Token) error
	// Clear must succeed when nothing is stored.
	Clear() error
}

// Prompt is what the user needs to complete a device-flow sign in.
type Prompt struct {
	Message         string
	VerificationURI string
	UserCode        string
}

// Provider talks to the identity provider.
type Provider interface {
	// DeviceFlow starts a device authorization, reports the prompt exactly
	// once, and polls until the user confirms.
	DeviceFlow(ctx context.Context, prompt func(Prompt)) (*Token, error)
	// Refresh exchanges a refresh token for a new pair.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// Controller hands out access tokens and enforces the retry-once policy.
type Controller struct {
	store    Store
	provider Provider
	clock    clockwork.Clock
	logger   *slog.Logger

	group   singleflight.Group
	prompts observer.List[Prompt]

	mu     sync.Mutex
	cached *Token
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the clock used to stamp new tokens.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// NewController creates a Controller backed by store and provider.
func NewController(store Store, provider Provider, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		provider: provider,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnPrompt registers fn to receive device-flow prompts. Callbacks run
// asynchronously. The returned func unsubscribes.
func (c *Controller) OnPrompt(fn func(Prompt)) func() {
	return c.prompts.Subscribe(fn)
}

// GetStoredOrNewToken returns the cached or stored access token, running the
// device flow when there is none.
func (c *Controller) GetStoredOrNewToken(ctx context.Context) (string, error) {
	if token, err := c.CurrentToken(ctx); err == nil {
		return token, nil
	} else if !errors.Is(err, ErrNoToken) {
		return "", err
	}
	return c.deviceFlow(ctx)
}

// CurrentToken returns the cached or stored access token without ever
// starting a device flow. Management clients hold this as their token
// accessor so rotation is visible to them immediately.
func (c *Controller) CurrentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.cached.AccessToken != "" {
		return c.cached.AccessToken, nil
	}

	stored, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("load stored token: %w", err)
	}
	if stored == nil || stored.AccessToken == "" {
		return "", ErrNoToken
	}
	c.cached = stored
	return stored.AccessToken, nil
}

// WithAuthRetry runs op with the current token. If op fails with
// ErrUnauthorized the token is renewed (refresh, else a fresh device flow)
// and op runs one more time. Whatever the second attempt returns is passed
// through unchanged.
func (c *Controller) WithAuthRetry(ctx context.Context, op func(ctx context.Context, token string) error) error {
	token, err := c.GetStoredOrNewToken(ctx)
	if err != nil {
		return err
	}

	err = op(ctx, token)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.logger.Info("Operation was rejected as unauthorized, renewing token")
	renewed, rerr := c.renew(ctx, token)
	if rerr != nil {
		return fmt.Errorf("renew token: %w", rerr)
	}
	return op(ctx, renewed)
}

// ClearStoredToken forgets the cached token and deletes the stored one.
func (c *Controller) ClearStoredToken() error {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clear stored token: %w", err)
	}
	return nil
}

// renew replaces a rejected token. Concurrent renewals of the same stale
// token share one refresh or device flow.
func (c *Controller) renew(ctx context.Context, stale string) (string, error) {
	v, err, _ := c.group.Do("renew", func() (any, error) {
		c.mu.Lock()
		current := c.cached
		c.mu.Unlock()

		// Another caller already swapped the token while we were waiting.
		if current != nil && current.AccessToken != "" && current.AccessToken != stale {
			return current.AccessToken, nil
		}

		if current == nil {
			stored, err := c.store.Load()
			if err != nil {
				c.logger.Warn("Failed to load stored token for refresh", "error", err)
			}
			current = stored
		}

		if current != nil && current.RefreshToken != "" {
			refreshed, err := c.provider.Refresh(ctx, current.RefreshToken)
			if err == nil {
				if refreshed.RefreshToken == "" {
					refreshed.RefreshToken = current.RefreshToken
				}
				if err := c.persist(refreshed); err != nil {
					return nil, err
				}
				c.logger.Info("Access token refreshed")
				return refreshed.AccessToken, nil
			}
			if ctx.Err() != nil || transient(err) {
				return nil, fmt.Errorf("refresh token: %w", err)
			}
			c.logger.Warn("Token refresh failed, starting a new sign in", "error", err)
		}

		if err := c.ClearStoredToken(); err != nil {
			c.logger.Warn("Failed to clear stored token", "error", err)
		}
		return c.deviceFlow(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Controller) deviceFlow(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("device", func() (any, error) {
		c.logger.Info("Starting device flow sign in")
		token, err := c.provider.DeviceFlow(ctx, c.prompts.Emit)
		if err != nil {
			switch {
			case errors.Is(err, ErrSignIn):
				return nil, err
			case ctx.Err() != nil || transient(err):
				return nil, fmt.Errorf("sign in: %w", err)
			}
			return nil, fmt.Errorf("%w: %w", ErrSignIn, err)
		}
		if err := c.persist(token); err != nil {
			return nil, err
		}
		c.logger.Info("Signed in")
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Controller) persist(token *Token) error {
	if token.ObtainedAt.IsZero() {
		token.ObtainedAt = c.clock.Now()
	}
	if err := c.store.Save(*token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	c.mu.Lock()
	c.cached = token
	c.mu.Unlock()
	return nil
}

// transient reports whether err means the identity provider could not be
// reached or was briefly unavailable, as opposed to answering with a refusal.
func transient(err error) bool {
	if errors.Is(err, ErrSignIn) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response == nil {
			return false
		}
		code := retrieveErr.Response.StatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
