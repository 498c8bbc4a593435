package supervisor

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// watchSpecs watches the spec directory and reconciles on changes. Editors
// produce bursts of events per save, so reloads are debounced. Blocks
// until the context is cancelled.
func (s *Supervisor) watchSpecs(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.SpecDir); err != nil {
		return err
	}
	s.logger.Info("watching spec directory", "dir", s.cfg.SpecDir)

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("spec file changed", "file", event.Name, "op", event.Op)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watcherDebounce, func() {
				result, err := s.Reload()
				if err != nil {
					s.logger.Error("auto-reload failed", "error", err)
					return
				}
				if len(result.Added)+len(result.Removed)+len(result.Restarted) > 0 {
					s.logger.Info("auto-reload complete",
						"added", result.Added,
						"removed", result.Removed,
						"restarted", result.Restarted)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("spec watcher error", "error", err)
		}
	}
}
