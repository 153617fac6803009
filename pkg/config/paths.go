package config

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// ConfigDir returns the lanxfer configuration directory.
func ConfigDir() string {
	if dir := os.Getenv("LANXFER_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "lanxfer")
	}

	home, err := homedir.Dir()
	if err != nil {
		return ".lanxfer"
	}
	return filepath.Join(home, ".lanxfer")
}

// DefaultConfigPath returns the path of the settings file.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultHistoryPath returns where the CLI keeps its history database.
func DefaultHistoryPath() string {
	return filepath.Join(ConfigDir(), "history")
}
