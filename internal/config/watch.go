package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes on disk and hands every
// successfully validated result to onChange. Invalid edits are logged and
// ignored so the running process keeps its last good configuration.
//
// Only settings that are safe to swap at runtime (currently the super-admin
// list) should be read from the reloaded value; everything else needs a restart.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Error("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
