package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watch calls onChange with the re-parsed file every time path is written,
// created or renamed into place, until ctx is done. The parent directory is
// watched so editors that replace the file are picked up. Files that fail to
// parse are logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	return watch(ctx, path, defaultWatchDebounce, onChange)
}

func watch(ctx context.Context, path string, debounce time.Duration, onChange func(*File)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "could not resolve configuration path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create file watcher")
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "could not watch %s", filepath.Dir(abs))
	}
	log.Debug().Str("config", abs).Msg("Watching configuration file")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			f, err := LoadFile(abs)
			if err != nil {
				log.Error().Err(err).Str("config", abs).Msg("Ignoring configuration change")
				continue
			}
			if err := f.Validate(); err != nil {
				log.Error().Err(err).Str("config", abs).Msg("Ignoring invalid configuration change")
				continue
			}
			log.Info().Str("config", abs).Msg("Configuration reloaded")
			onChange(f)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Configuration watcher error")
		}
	}
}
