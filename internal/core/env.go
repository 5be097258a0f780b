package core

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. TUNNEL_PROXY_RELAY_URL.
const EnvPrefix = "TUNNEL_PROXY"

// envOverrides mirrors the settings that may come from the environment. Zero
// values mean "not set" and leave the file value alone. Keys are derived from
// the field names so that only prefixed variables are consulted.
type envOverrides struct {
	ConfigPath       string        `split_words:"true"`
	Verbose          int           `split_words:"true"`
	RelayURL         string        `split_words:"true"`
	ManagementURL    string        `split_words:"true"`
	RelayPort        int           `split_words:"true"`
	Username         string        `split_words:"true"`
	ClientID         string        `split_words:"true"`
	DeviceAuthURL    string        `split_words:"true"`
	TokenURL         string        `split_words:"true"`
	Scopes           []string      `split_words:"true"`
	WorkerCommand    string        `split_words:"true"`
	WorkerArgs       []string      `split_words:"true"`
	DefaultDirectory string        `split_words:"true"`
	GracePeriod      time.Duration `split_words:"true"`
	CheckInterval    time.Duration `split_words:"true"`
}

// ApplyEnv overlays TUNNEL_PROXY_* environment variables onto cfg.
func ApplyEnv(cfg *Configuration) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&cfg.ConfigPath, expandHome(env.ConfigPath))
	if env.Verbose != 0 {
		cfg.Verbose = env.Verbose
	}
	setString(&cfg.Relay.URL, env.RelayURL)
	setString(&cfg.Relay.ManagementURL, env.ManagementURL)
	if env.RelayPort != 0 {
		cfg.Relay.Port = env.RelayPort
	}
	setString(&cfg.Relay.Username, env.Username)
	setString(&cfg.Auth.ClientID, env.ClientID)
	setString(&cfg.Auth.DeviceAuthURL, env.DeviceAuthURL)
	setString(&cfg.Auth.TokenURL, env.TokenURL)
	if len(env.Scopes) > 0 {
		cfg.Auth.Scopes = env.Scopes
	}
	setString(&cfg.Worker.Command, env.WorkerCommand)
	if len(env.WorkerArgs) > 0 {
		cfg.Worker.Args = env.WorkerArgs
	}
	setString(&cfg.Worker.DefaultDirectory, expandHome(env.DefaultDirectory))
	if env.GracePeriod > 0 {
		cfg.Worker.GracePeriod = env.GracePeriod
	}
	if env.CheckInterval > 0 {
		cfg.Network.CheckInterval = env.CheckInterval
	}

	return cfg.Validate()
}
