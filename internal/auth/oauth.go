package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuthProvider implements Provider with the OAuth 2.0 device authorization
// grant (RFC 8628) and the refresh_token grant.
type OAuthProvider struct {
	config *oauth2.Config
}

// NewOAuthProvider creates a provider for a public OAuth client.
func NewOAuthProvider(clientID, deviceAuthURL, tokenURL string, scopes []string) *OAuthProvider {
	return &OAuthProvider{
		config: &oauth2.Config{
			ClientID: clientID,
			Scopes:   scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: deviceAuthURL,
				TokenURL:      tokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
	}
}

// DeviceFlow requests a device code, reports it through prompt and polls the
// token endpoint until the user approves, denies, or ctx ends.
func (p *OAuthProvider) DeviceFlow(ctx context.Context, prompt func(Prompt)) (*Token, error) {
	resp, err := p.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}

	uri := resp.VerificationURI
	if uri == "" {
		uri = resp.VerificationURIComplete
	}
	prompt(Prompt{
		Message:         fmt.Sprintf("To sign in, open %s and enter the code %s", uri, resp.UserCode),
		VerificationURI: uri,
		UserCode:        resp.UserCode,
	})

	tok, err := p.config.DeviceAccessToken(ctx, resp)
	if err != nil {
		if ctx.Err() == nil && !resp.Expiry.IsZero() && !time.Now().Before(resp.Expiry) {
			return nil, fmt.Errorf("%w: device code expired", ErrSignIn)
		}
		return nil, fmt.Errorf("wait for device approval: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// Refresh exchanges refreshToken for a new token pair. A rejected refresh
// token is reported as ErrUnauthorized.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return nil, fmt.Errorf("%w: refresh rejected: %v", ErrUnauthorized, err)
			}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}
