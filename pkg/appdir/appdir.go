package appdir

import (
	"os"
	"path/filepath"
	"sync"
)

// EnvHome overrides the application directory.
const EnvHome = "FIGGER_HOME"

var (
	appDirOnce  sync.Once
	appDirCache string
)

// AppDir returns the per-user state directory, creating it on first use.
// It falls back to the temp dir when no home directory is available.
func AppDir() string {
	appDirOnce.Do(func() {
		dir := os.Getenv(EnvHome)
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = os.TempDir()
			}
			dir = filepath.Join(home, ".figger-go")
		}
		_ = os.MkdirAll(dir, 0755)
		appDirCache = dir
	})
	return appDirCache
}

// Path joins name onto AppDir unless name is already absolute.
func Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(AppDir(), name)
}
