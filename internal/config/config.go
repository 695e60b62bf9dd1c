// Package config provides YAML configuration and hot-reload for the
// propwatch demo binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable
// strings like "50ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Watch names one Target to open a Handle on.
type Watch struct {
	Service   string `yaml:"service"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
}

// Config is the top-level propwatch configuration file structure.
type Config struct {
	LogLevel  string  `yaml:"log_level"`
	LogFormat string  `yaml:"log_format"`
	Listen    string  `yaml:"listen"`
	Watches   []Watch `yaml:"watches"`

	// ShutdownTimeout and OwnerAppearedRetryDelay override
	// dbuspropcache.DefaultWorkerShutdownTimeout/OwnerAppearedRetryDelay when
	// set; zero (the YAML key absent) leaves the package defaults in place.
	ShutdownTimeout         Duration `yaml:"shutdown_timeout"`
	OwnerAppearedRetryDelay Duration `yaml:"owner_appeared_retry_delay"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "propwatch", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist, it
// returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
