package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/auth"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/keyring"
)

func newAuthController() *auth.Controller {
	cfg := core.Config
	return auth.NewController(
		keyring.NewTokenStore(core.GetKeyringDir()),
		auth.NewOAuthProvider(cfg.Auth.ClientID, cfg.Auth.DeviceAuthURL, cfg.Auth.TokenURL, cfg.Auth.Scopes),
	)
}

func NewLoginCommand() *cobra.Command {
	var force bool

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the relay",
		Long: `Sign in to the relay with the device flow and store the token in the
system keyring.

Open the printed address in a browser and enter the code. If the host is
running it reconnects with the new token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			authn := newAuthController()
			if force {
				if err := authn.ClearStoredToken(); err != nil {
					return err
				}
			} else if _, err := authn.CurrentToken(ctx); err == nil {
				slog.Info("Already signed in. Use --force to sign in again.")
				return nil
			}

			authn.OnPrompt(func(p auth.Prompt) {
				printPrompt(os.Stdout, p, term.IsTerminal(int(os.Stdout.Fd())))
			})
			if _, err := authn.GetStoredOrNewToken(ctx); err != nil {
				return err
			}
			slog.Info("Signed in")

			if daemon.IsRunning() {
				response, err := daemon.SendCommandStreaming("RECONNECT", daemon.LogMessage)
				if err != nil {
					return fmt.Errorf("signed in, but the host did not reconnect: %w", err)
				}
				response.LogMessages()
			}
			return nil
		},
	}
	loginCmd.Flags().BoolVar(&force, "force", false, "discard the stored token and sign in again")

	return loginCmd
}

func printPrompt(w io.Writer, p auth.Prompt, color bool) {
	uri, code := p.VerificationURI, p.UserCode
	if color {
		uri = "\033[1m" + uri + colorReset
		code = "\033[1m" + code + colorReset
	}
	if p.Message != "" {
		fmt.Fprintln(w, p.Message)
	}
	fmt.Fprintf(w, "Open %s and enter the code %s\n", uri, code)
}

func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored relay token",
		Long: `Remove the relay token from the system keyring.

A running host keeps its current connection; it signs in again the next time
the relay rejects the token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAuthController().ClearStoredToken(); err != nil {
				return err
			}
			slog.Info("Signed out")
			return nil
		},
	}
}
