// Package config loads the optional configuration file of the ctrfs command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/connesc/ctrfs/keys"
)

// Config holds the settings shared by every command. Command-line flags override them.
type Config struct {
	// Keys is the path of an aes_keys.txt file.
	Keys string `yaml:"keys"`
	// SeedDB is the path of a seeddb.bin file.
	SeedDB string `yaml:"seeddb"`
	// Mods is the directory holding per-title mods.
	Mods     string `yaml:"mods"`
	LogLevel string `yaml:"log-level"`
}

// Default is the configuration used without configuration file.
func Default() *Config {
	return &Config{LogLevel: zerolog.LevelWarnValue}
}

// DefaultPath returns $XDG_CONFIG_HOME/ctrfs/config.yaml, or its platform equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return filepath.Join(dir, "ctrfs", "config.yaml"), nil
}

// Load reads the configuration file at path in fs. A missing file yields the default
// configuration, unless required is set.
func Load(fs afero.Fs, path string, required bool) (*Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if _, err := config.Level(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return config, nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// KeyStore loads the keys and seeds files. Without keys file, only plain containers can be
// read.
func (c *Config) KeyStore(fs afero.Fs) (*keys.FileStore, error) {
	store := keys.NewFileStore()
	if c.Keys != "" {
		var err error
		if store, err = keys.LoadFile(fs, c.Keys); err != nil {
			return nil, err
		}
	}
	if c.SeedDB != "" {
		if err := store.LoadSeedDB(fs, c.SeedDB); err != nil {
			return nil, err
		}
	}
	return store, nil
}
