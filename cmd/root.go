package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "tunnel-proxy",
		Short: "tunnel-proxy - relay host for remote agent sessions",
		Long: `tunnel-proxy keeps a relay tunnel open and proxies remote clients to
local worker processes, one per working directory.

Run 'tunnel-proxy start' to launch the host in the background.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config-path") {
				if env := os.Getenv(core.EnvPrefix + "_CONFIG_PATH"); env != "" {
					configPath = env
				}
			}
			cfg, err := loadConfig(configPath, verbose)
			if err != nil {
				return err
			}
			core.Config = cfg

			level := new(slog.LevelVar)
			level.Set(daemon.LevelForVerbosity(cfg.Verbose))
			slog.SetDefault(daemon.NewLogger(os.Stderr, nil, level))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(&verbose),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewStatusCommand(),
		NewPoolCommand(),
		NewReconnectCommand(),
		NewLogsCommand(),
		NewLoginCommand(),
		NewLogoutCommand(),
		NewResetCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// loadConfig reads config.hcl from configPath, applies TUNNEL_PROXY_*
// overrides and raises verbosity to the -v count.
func loadConfig(configPath string, verbose int) (*core.Configuration, error) {
	cfg, err := core.LoadConfigOrDefault(filepath.Join(configPath, core.ConfigFileName))
	if err != nil {
		return nil, err
	}
	if err := core.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	cfg.Verbose = max(cfg.Verbose, verbose)
	return cfg, nil
}
