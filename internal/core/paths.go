package core

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	BaseDirName    = ".config/tunnel-proxy"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "tunnel-proxy.db"
	KeyringDirName = "keyring"
)

// DefaultConfigPath returns ~/.config/tunnel-proxy.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}

// GetConfigDir returns the configured directory, or the default one.
func GetConfigDir() string {
	if Config != nil && Config.ConfigPath != "" {
		return Config.ConfigPath
	}
	return DefaultConfigPath()
}

func GetConfigFilePath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

func GetSocketPath() string {
	return filepath.Join(GetConfigDir(), SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(GetConfigDir(), PidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(GetConfigDir(), DatabaseName)
}

func GetKeyringDir() string {
	return filepath.Join(GetConfigDir(), KeyringDirName)
}

// expandHome expands a leading ~ to the user's home directory
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
