// Package config loads the optional XDG config file supplying CLI-flag
// defaults (spec's ambient stack: the teacher's BurntSushi/toml XDG
// pattern, generalized to uringsync's own flag set).
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional uringsync configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults; CLI flags override
// whatever is set here.
type DefaultsConfig struct {
	Workers    *int    `toml:"workers"`
	QueueDepth *int    `toml:"queue_depth"`
	ChunkSize  *int64  `toml:"chunk_size"`
	UseSplice  *bool   `toml:"use_splice"`
	SyncMode   *bool   `toml:"sync_mode"`
	TLS        *bool   `toml:"tls"`
	AsyncNet   *bool   `toml:"async_network"`
	Secret     *string `toml:"secret"`
	ListenPort *int    `toml:"listen_port"`
	Verbose    *bool   `toml:"verbose"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "uringsync", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
