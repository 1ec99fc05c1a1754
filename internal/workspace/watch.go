package workspace

import (
	"github.com/fsnotify/fsnotify"
	"github.com/manifold-vcs/manifold/internal/errs"
	"github.com/manifold-vcs/manifold/internal/ids"
)

// Watch streams a best-effort change notification every time a file
// under the workspace's checkout is created, written, renamed, or
// removed. It exists so `ws status --watch` can react to external
// dirtying without repolling Status on a timer; callers still call
// Status themselves to get the authoritative answer after each tick.
// The returned stop func releases the underlying watcher.
func (b *Backend) Watch(ws ids.WorkspaceId, onChange func()) (stop func() error, err error) {
	path := b.Path(ws)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.WrapError(errs.ErrIO, "failed to create filesystem watcher", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, errs.WrapError(errs.ErrIO, "failed to watch workspace directory", err).
			WithDetail("path", path)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				onChange()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return watcher.Close()
	}, nil
}
