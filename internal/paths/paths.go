// Package paths lays out the bridge data directory.
package paths

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the default data directory.
const EnvDataDir = "WABRIDGE_DATA_DIR"

// BaseDir returns $WABRIDGE_DATA_DIR, or ~/.wabridge.
func BaseDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge")
}

// SocketPath returns the health socket path.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "wabridge.sock")
}

// LockPath returns the process lock file path.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// DeviceDBPath returns the whatsmeow device store path.
func DeviceDBPath(dataDir string) string {
	return filepath.Join(dataDir, "devices.db")
}

// AppDBPath returns the chat cache database path.
func AppDBPath(dataDir string) string {
	return filepath.Join(dataDir, "wabridge.db")
}

// LogDir returns the log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "wabridged.log")
}

// ConfigPath returns the config file path.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// EnsureDir creates the data directory tree with owner-only permissions.
func EnsureDir(dataDir string) error {
	for _, d := range []string{dataDir, LogDir(dataDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
