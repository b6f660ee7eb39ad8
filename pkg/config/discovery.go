package config

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rootbeer/rootbeer/pkg/paths"
)

const (
	appDir       = "rootbeer"
	manifestName = "init.star"
)

// SearchDirs returns the base directories searched for a configuration
// root: XDG_CONFIG_HOME, then each entry of XDG_CONFIG_DIRS, then
// $HOME/.config.
func SearchDirs(getenv func(string) string) []string {
	var dirs []string
	if d := getenv("XDG_CONFIG_HOME"); d != "" {
		dirs = append(dirs, d)
	}
	for _, d := range strings.Split(getenv("XDG_CONFIG_DIRS"), ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	if home := getenv("HOME"); home != "" {
		dirs = append(dirs, filepath.Join(home, ".config"))
	}
	return dirs
}

// ConfigRoot returns the first <dir>/rootbeer directory that holds a
// readable init.star.
func ConfigRoot(getenv func(string) string) (string, error) {
	dirs := SearchDirs(getenv)
	for _, d := range dirs {
		root := filepath.Join(d, appDir)
		if paths.CheckAccess(filepath.Join(root, manifestName), paths.Read) == nil {
			return root, nil
		}
	}
	return "", fmt.Errorf("no %s/%s found in %s: %w", appDir, manifestName, strings.Join(dirs, ", "), fs.ErrNotExist)
}

// DefaultManifest returns the entry script of the discovered config root.
func DefaultManifest(getenv func(string) string) (string, error) {
	root, err := ConfigRoot(getenv)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, manifestName), nil
}
