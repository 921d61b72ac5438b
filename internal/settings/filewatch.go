package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchFile reloads the store when settings.json is replaced on disk by
// another process (provisioning scripts edit it directly). The watch is on
// the directory: atomic renames replace the inode, so watching the file
// itself would go stale after the first write.
func (s *Store) WatchFile(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Our own renameio writes also land here; Reload diffs the
				// document so self-inflicted events produce no changes.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					if err := s.Reload(); err != nil {
						s.log.Warn().Err(err).Msg("settings reload failed")
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("settings file watch error")
			}
		}
	}()
	return nil
}
