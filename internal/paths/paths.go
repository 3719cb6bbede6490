// Package paths resolves where pipeline keeps its configuration and data.
//
// Precedence for both directories is: command-line flag, then environment
// variable, then (data only) the value from config.yaml, then the platform
// default.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "pipeline"

// Environment variable names for directory overrides.
const (
	EnvConfigDir = "PIPELINE_CONFIG_DIR"
	EnvDataDir   = "PIPELINE_DATA_DIR"
)

// ConfigFile is the configuration file name inside the config directory.
const ConfigFile = "config.yaml"

// EnvFile is the dotenv file loaded from the config directory, if present.
const EnvFile = ".env"

// platformDir holds platform lookups that tests override.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// xdg returns $xdgVar/pipeline on Linux, falling back to ~/fallback/pipeline,
// and the user config directory elsewhere.
func xdg(xdgVar string, fallback ...string) (string, error) {
	if runtime.GOOS != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, AppName), nil
	}
	if v := os.Getenv(xdgVar); v != "" {
		return filepath.Join(v, AppName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, fallback...), AppName)...), nil
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/pipeline (fallback ~/.config/pipeline)
// macOS:   ~/Library/Application Support/pipeline
// Windows: %APPDATA%/pipeline
func DefaultConfigDir() (string, error) {
	return xdg("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
// Linux:   $XDG_DATA_HOME/pipeline (fallback ~/.local/share/pipeline)
// macOS and Windows: same as the config directory.
func DefaultDataDir() (string, error) {
	return xdg("XDG_DATA_HOME", ".local", "share")
}

// ResolveConfigDir applies flag > PIPELINE_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > PIPELINE_DATA_DIR > configured >
// DefaultDataDir. Relative paths are made absolute.
func ResolveDataDir(flag, configured string) (string, error) {
	for _, v := range []string{flag, os.Getenv(EnvDataDir), configured} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	return DefaultDataDir()
}
