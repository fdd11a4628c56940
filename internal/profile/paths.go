// Package profile resolves profile names and the files each profile owns.
// A profile is an isolated engine instance with its own daemon, socket
// and token store.
package profile

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory (~/.multichat).
const EnvHome = "MULTICHAT_HOME"

// BaseDir returns $MULTICHAT_HOME, or ~/.multichat.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".multichat")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths are the files of one profile.
type Paths struct {
	Name string
	Dir  string
}

// For returns the paths of profile name under BaseDir.
func For(name string) Paths {
	return Paths{Name: name, Dir: filepath.Join(BaseDir(), "profiles", name)}
}

func (p Paths) Lock() string { return filepath.Join(p.Dir, "LOCK") }
func (p Paths) Socket() string { return filepath.Join(p.Dir, "daemon.sock") }
func (p Paths) TokenDB() string { return filepath.Join(p.Dir, "tokens.db") }
func (p Paths) TokenKey() string { return filepath.Join(p.Dir, "token.key") }
func (p Paths) LogDir() string { return filepath.Join(p.Dir, "logs") }

// Ensure creates the profile directory tree with owner-only permissions.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
