package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	ApplicationFolderName = "sentinel_core"
	FileName              = "config.yaml"
)

// SearchPaths lists where a configuration file is looked for, in order: the
// explicit path, the platform configuration directory, then the working
// directory.
func SearchPaths(filename string, explicit string) []string {
	paths := []string{}
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ApplicationFolderName, filename))
	}
	paths = append(paths, filename)
	return paths
}

// Locate returns the first existing path of SearchPaths, or "" when there
// is none.
func Locate(filename string, explicit string) string {
	for _, p := range SearchPaths(filename, explicit) {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Load finds and parses the configuration file. Without any file it
// returns Default and an empty path.
func Load(explicit string) (*File, string, error) {
	path := Locate(FileName, explicit)
	if path == "" {
		if explicit != "" {
			return nil, "", errors.Errorf("configuration file %s does not exist", explicit)
		}
		log.Warn().Msg("No configuration file found, using defaults")
		return Default(), "", nil
	}
	f, err := LoadFile(path)
	if err != nil {
		return nil, path, err
	}
	log.Debug().Str("config", path).Int("models", len(f.Models)).Msg("Loaded configuration")
	return f, path, nil
}
