// Package keyring persists the relay access token pair in the operating
// system's credential store.
package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
)

const (
	serviceName = "tunnel-proxy"
	tokenKey    = "relay-token"

	// passwordEnv unlocks the encrypted file backend on machines without a
	// native credential store.
	passwordEnv = "TUNNEL_PROXY_KEYRING_PASSWORD"
)

// ErrNoPassword is returned when the file keyring is locked and there is no
// way to ask for its password.
var ErrNoPassword = errors.New("no keyring password available")

// TokenStore stores one auth.Token as a JSON keyring item. The underlying
// keyring is opened on first use.
type TokenStore struct {
	open func() (keyring.Keyring, error)

	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewTokenStore returns a store backed by the platform keyring. fileDir is
// used by the encrypted file fallback.
func NewTokenStore(fileDir string) *TokenStore {
	return &TokenStore{
		open: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{
				ServiceName: serviceName,
				AllowedBackends: []keyring.BackendType{
					keyring.KeychainBackend,      // macOS Keychain
					keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
					keyring.WinCredBackend,       // Windows Credential Manager
					keyring.PassBackend,          // Pass (password-store.org)
					keyring.FileBackend,
				},
				KeychainTrustApplication: true,
				FileDir:                  fileDir,
				FilePasswordFunc:         filePassword,
			})
		},
	}
}

// NewTokenStoreWithKeyring wraps an already opened keyring.
func NewTokenStoreWithKeyring(kr keyring.Keyring) *TokenStore {
	return &TokenStore{open: func() (keyring.Keyring, error) { return kr, nil }}
}

func filePassword(prompt string) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	// The background host has no terminal to prompt on.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("%w: set %s to unlock the file keyring", ErrNoPassword, passwordEnv)
	}
	return keyring.TerminalPrompt(prompt)
}

func (s *TokenStore) openRing() (keyring.Keyring, error) {
	s.once.Do(func() {
		s.ring, s.err = s.open()
	})
	if s.err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", s.err)
	}
	return s.ring, nil
}

// Load returns the stored token, or nil when nothing is stored.
func (s *TokenStore) Load() (*auth.Token, error) {
	kr, err := s.openRing()
	if err != nil {
		return nil, err
	}

	item, err := kr.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}

	var token auth.Token
	if err := json.Unmarshal(item.Data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}
	return &token, nil
}

// Save replaces the stored token.
func (s *TokenStore) Save(token auth.Token) error {
	kr, err := s.openRing()
	if err != nil {
		return err
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return kr.Set(keyring.Item{
		Key:         tokenKey,
		Data:        data,
		Label:       "tunnel-proxy relay token",
		Description: "Access and refresh token for the tunnel relay",
	})
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (s *TokenStore) Clear() error {
	kr, err := s.openRing()
	if err != nil {
		return err
	}

	// The file backend reports a missing item as a plain not-exist error.
	err = kr.Remove(tokenKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// HasToken reports whether a token is stored.
func (s *TokenStore) HasToken() bool {
	token, err := s.Load()
	return err == nil && token != nil
}
