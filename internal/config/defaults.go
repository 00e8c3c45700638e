package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyvis/
//   - Linux:   ~/.config/keyvis/
//
// KEYVIS_CONFIG_DIR overrides both.
func PlatformConfigDir() string {
	if dir := os.Getenv("KEYVIS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "keyvis")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "keyvis")
		}
		return filepath.Join(home, ".config", "keyvis")
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/keyvis/
//   - Linux:   ~/.local/state/keyvis/logs/
func PlatformLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "keyvis")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "keyvis", "logs")
		}
		return filepath.Join(home, ".local", "state", "keyvis", "logs")
	}
}

// PlatformRuntimeDir returns the directory for sockets.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyvis/
//   - Linux:   $XDG_RUNTIME_DIR/keyvis/ or /tmp/keyvis-<uid>/
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "keyvis")
	default:
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, "keyvis")
		}
		return filepath.Join(os.TempDir(), "keyvis-"+uidString())
	}
}

func uidString() string {
	uid := os.Getuid()
	if uid < 0 {
		return "0"
	}
	return strconv.Itoa(uid)
}

// DefaultSocketPath returns the default IPC socket path.
func DefaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "keyvisd.sock")
}

// HasEventTapSupport reports whether the platform has an event tap backend.
func HasEventTapSupport() bool {
	return runtime.GOOS == "darwin"
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
//
// Search order:
//  1. KEYVIS_CONFIG
//  2. Current directory
//  3. Config directory
func FindConfigFile() string {
	if path := os.Getenv("KEYVIS_CONFIG"); path != "" {
		return path
	}

	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
