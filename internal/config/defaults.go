package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the base data directory. CHANGETRACK_DATA_DIR overrides
// the platform default.
func DataDir() string {
	if envDir := os.Getenv("CHANGETRACK_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/changetrack/
//   - Linux:   $XDG_DATA_HOME/changetrack or ~/.local/share/changetrack/
//   - Windows: %APPDATA%\changetrack\
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "changetrack")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "changetrack")
		}
		return filepath.Join(home, ".local", "share", "changetrack")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "changetrack")
		}
		return filepath.Join(home, "AppData", "Roaming", "changetrack")
	default:
		return filepath.Join(home, ".changetrack")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "changetrack")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "changetrack")
	}
	return PlatformDataDir()
}

// SupportedConfigFormats returns the supported config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, the config directory and
// the data directory for config.<ext>. Returns "" if none is found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}
