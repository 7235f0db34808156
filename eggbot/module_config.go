package eggbot

import (
	"context"
	"fmt"
	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
	"log/slog"
	"os"
	"path/filepath"
)

// LoadModuleConfig reads the YAML chat module config file at path.
// Each module reads its own top-level section from the result.
//
// Example:
//
//	keyword_notifi:
//	  - member_id: "123456789012345678"
//	    pattern: "egg(s|)"
//	    enabled: true
//	    block_list: []
func LoadModuleConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading module config: %w", err)
	}
	config := map[string]any{}
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing module config %s: %w", path, err)
	}
	return config, nil
}

// ModuleConfigEvent is sent when the module config file changes
type ModuleConfigEvent struct {
	Path string
	Op   fsnotify.Op
}

// ModuleConfigWatcher watches the module config file for changes.
// The file's directory is watched rather than the file itself, so
// editors which replace the file on save are still picked up.
type ModuleConfigWatcher struct {
	path   string
	logger *slog.Logger
	events chan ModuleConfigEvent
}

func NewModuleConfigWatcher(path string, logger *slog.Logger) *ModuleConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModuleConfigWatcher{
		path:   filepath.Clean(path),
		logger: logger,
		events: make(chan ModuleConfigEvent, 1),
	}
}

// Events returns the channel change events are sent on. Events which
// arrive while one is already pending are dropped. The channel is
// closed when the watcher stops.
func (w *ModuleConfigWatcher) Events() <-chan ModuleConfigEvent {
	return w.events
}

// Start begins watching in the background, until ctx is canceled.
func (w *ModuleConfigWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("error watching %s: %w", w.path, err)
	}

	go func() {
		defer close(w.events)
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.InfoContext(ctx, "module config changed", "path", ev.Name, "op", ev.Op.String())
				select {
				case w.events <- ModuleConfigEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.ErrorContext(ctx, "module config watcher error", tint.Err(err))
			}
		}
	}()
	return nil
}
