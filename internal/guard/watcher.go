package guard

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/skillforge/internal/audit"
)

// WatchPolicy reloads the live policy whenever the policy file changes on
// disk. This is the administrative path for level escalation: editing the
// file is an operator act the agent cannot perform. A file that fails to
// parse leaves the previous policy active.
func WatchPolicy(ctx context.Context, lp *LivePolicy, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(path); err != nil {
		// The file may not exist yet; watch its directory instead.
		logger.Warn("policy file not watchable", "path", path, "error", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				before := lp.PolicyVersion()
				if err := ReloadFromFile(lp, path); err != nil {
					logger.Error("policy reload failed, previous policy stays active", "path", path, "error", err)
					continue
				}
				after := lp.PolicyVersion()
				if before != after {
					audit.Record("allow", "guard.policy_reload", "policy file changed", after, path)
					logger.Info("policy reloaded", "path", path, "level", string(lp.Level()), "policy_version", after)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
