package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete tunnel-proxy configuration
type Configuration struct {
	ConfigPath string // Directory containing config, state and socket
	Verbose    int    // Verbosity level
	Relay      RelayConfig
	Auth       AuthConfig
	Reconnect  ReconnectConfig
	Network    NetworkConfig
	Worker     WorkerConfig
}

// RelayConfig describes where the tunnel relay lives and what it exposes
type RelayConfig struct {
	URL           string // Data-plane base URL (ws/wss or http/https)
	ManagementURL string // Management API base URL, defaults to URL
	Port          int    // Port remote clients connect to
	Username      string // Optional display name attached to the tunnel
}

// AuthConfig holds the device-flow client settings
type AuthConfig struct {
	ClientID      string
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
}

// ReconnectConfig controls backoff and keepalive
type ReconnectConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffFactor     float64
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// NetworkConfig controls network and wake detection
type NetworkConfig struct {
	CheckInterval  time.Duration
	WakeMultiplier float64 // A sample gap above CheckInterval*WakeMultiplier means the host slept
	ProbeHost      string  // Name resolved to decide reachability
	ProbeTimeout   time.Duration
}

// WorkerConfig describes the worker processes in the pool
type WorkerConfig struct {
	Command          string
	Args             []string
	DefaultDirectory string
	GracePeriod      time.Duration
	TerminateTimeout time.Duration
}

// HCL parsing structs

type hclConfig struct {
	Verbose   int           `hcl:"verbose,optional"`
	Relay     *hclRelay     `hcl:"relay,block"`
	Auth      *hclAuth      `hcl:"auth,block"`
	Reconnect *hclReconnect `hcl:"reconnect,block"`
	Network   *hclNetwork   `hcl:"network,block"`
	Worker    *hclWorker    `hcl:"worker,block"`
}

type hclRelay struct {
	URL           string `hcl:"url,optional"`
	ManagementURL string `hcl:"management_url,optional"`
	Port          int    `hcl:"port,optional"`
	Username      string `hcl:"username,optional"`
}

type hclAuth struct {
	ClientID      string   `hcl:"client_id,optional"`
	DeviceAuthURL string   `hcl:"device_auth_url,optional"`
	TokenURL      string   `hcl:"token_url,optional"`
	Scopes        []string `hcl:"scopes,optional"`
}

type hclReconnect struct {
	InitialBackoff    string  `hcl:"initial_backoff,optional"`
	MaxBackoff        string  `hcl:"max_backoff,optional"`
	BackoffFactor     float64 `hcl:"backoff_factor,optional"`
	KeepaliveInterval string  `hcl:"keepalive_interval,optional"`
	KeepaliveTimeout  string  `hcl:"keepalive_timeout,optional"`
}

type hclNetwork struct {
	CheckInterval  string  `hcl:"check_interval,optional"`
	WakeMultiplier float64 `hcl:"wake_multiplier,optional"`
	ProbeHost      string  `hcl:"probe_host,optional"`
	ProbeTimeout   string  `hcl:"probe_timeout,optional"`
}

type hclWorker struct {
	Command          string   `hcl:"command,optional"`
	Args             []string `hcl:"args,optional"`
	DefaultDirectory string   `hcl:"default_directory,optional"`
	GracePeriod      string   `hcl:"grace_period,optional"`
	TerminateTimeout string   `hcl:"terminate_timeout,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	// Start from defaults and overlay what the file sets
	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if r := hclCfg.Relay; r != nil {
		setString(&cfg.Relay.URL, r.URL)
		setString(&cfg.Relay.ManagementURL, r.ManagementURL)
		setString(&cfg.Relay.Username, r.Username)
		if r.Port != 0 {
			cfg.Relay.Port = r.Port
		}
	}

	if a := hclCfg.Auth; a != nil {
		setString(&cfg.Auth.ClientID, a.ClientID)
		setString(&cfg.Auth.DeviceAuthURL, a.DeviceAuthURL)
		setString(&cfg.Auth.TokenURL, a.TokenURL)
		if len(a.Scopes) > 0 {
			cfg.Auth.Scopes = a.Scopes
		}
	}

	if r := hclCfg.Reconnect; r != nil {
		if err := setDuration(&cfg.Reconnect.InitialBackoff, "reconnect.initial_backoff", r.InitialBackoff); err != nil {
			return nil, err
		}
		if err := setDuration(&cfg.Reconnect.MaxBackoff, "reconnect.max_backoff", r.MaxBackoff); err != nil {
			return nil, err
		}
		if err := setDuration(&cfg.Reconnect.KeepaliveInterval, "reconnect.keepalive_interval", r.KeepaliveInterval); err != nil {
			return nil, err
		}
		if err := setDuration(&cfg.Reconnect.KeepaliveTimeout, "reconnect.keepalive_timeout", r.KeepaliveTimeout); err != nil {
			return nil, err
		}
		if r.BackoffFactor != 0 {
			cfg.Reconnect.BackoffFactor = r.BackoffFactor
		}
	}

	if n := hclCfg.Network; n != nil {
		if err := setDuration(&cfg.Network.CheckInterval, "network.check_interval", n.CheckInterval); err != nil {
			return nil, err
		}
		if err := setDuration(&cfg.Network.ProbeTimeout, "network.probe_timeout", n.ProbeTimeout); err != nil {
			return nil, err
		}
		if n.WakeMultiplier != 0 {
			cfg.Network.WakeMultiplier = n.WakeMultiplier
		}
		setString(&cfg.Network.ProbeHost, n.ProbeHost)
	}

	if w := hclCfg.Worker; w != nil {
		setString(&cfg.Worker.Command, w.Command)
		setString(&cfg.Worker.DefaultDirectory, expandHome(w.DefaultDirectory))
		if w.Args != nil {
			cfg.Worker.Args = w.Args
		}
		if err := setDuration(&cfg.Worker.GracePeriod, "worker.grace_period", w.GracePeriod); err != nil {
			return nil, err
		}
		if err := setDuration(&cfg.Worker.TerminateTimeout, "worker.terminate_timeout", w.TerminateTimeout); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOrDefault loads filename if it exists and falls back to the
// defaults otherwise.
func LoadConfigOrDefault(filename string) (*Configuration, error) {
	if !ConfigExists(filename) {
		return GetDefaultConfig(), nil
	}
	return LoadConfig(filename)
}

// Validate rejects settings that cannot work
func (c *Configuration) Validate() error {
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect.max_backoff (%v) is shorter than reconnect.initial_backoff (%v)",
			c.Reconnect.MaxBackoff, c.Reconnect.InitialBackoff)
	}
	if c.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("reconnect.backoff_factor must be at least 1, got %v", c.Reconnect.BackoffFactor)
	}
	if c.Network.WakeMultiplier < 2 {
		return fmt.Errorf("network.wake_multiplier must be at least 2, got %v", c.Network.WakeMultiplier)
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d is out of range", c.Relay.Port)
	}
	return nil
}

// ManagementBaseURL returns the management API base, falling back to the
// relay URL.
func (c *Configuration) ManagementBaseURL() string {
	if c.Relay.ManagementURL != "" {
		return c.Relay.ManagementURL
	}
	return c.Relay.URL
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose: 0,
		Relay: RelayConfig{
			Port: 4500,
		},
		Auth: AuthConfig{
			Scopes: []string{"tunnel"},
		},
		Reconnect: ReconnectConfig{
			InitialBackoff:    time.Second,
			MaxBackoff:        2 * time.Minute,
			BackoffFactor:     2,
			KeepaliveInterval: 30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
		},
		Network: NetworkConfig{
			CheckInterval:  5 * time.Second,
			WakeMultiplier: 3,
			ProbeHost:      "dns.google",
			ProbeTimeout:   3 * time.Second,
		},
		Worker: WorkerConfig{
			GracePeriod:      5 * time.Minute,
			TerminateTimeout: 5 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return fmt.Errorf("invalid %s %q: must not be negative", key, v)
	}
	*dst = d
	return nil
}
