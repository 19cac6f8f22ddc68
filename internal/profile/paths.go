package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.crewline.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".crewline")
}

// Dir returns the directory for a named profile.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the daemon control socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "crewlined.sock")
}

// DBPath returns the local cache database path for a profile.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "crewline.db")
}

// TokenPath returns the default auth token file path for a profile.
func TokenPath(name string) string {
	return filepath.Join(Dir(name), "token.jwt")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path for a profile.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "crewlined.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
