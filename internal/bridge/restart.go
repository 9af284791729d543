package bridge

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"chatbus/internal/config"
	"chatbus/internal/runtime/lifecycle"
	"chatbus/internal/runtime/supervisor"
	logx "chatbus/pkg/logx"
)

// watchBinary stops the bridge with a permanent stale-binary error once
// the executable's mtime changes. The service manager restarts it.
func (b *Bridge) watchBinary(ctx context.Context) error {
	exe := filepath.Clean(b.cfg.Executable)
	baseline, err := mtime(exe)
	if err != nil {
		return supervisor.Permanent(err)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stale := false
	check := func() {
		mt, err := mtime(exe)
		if err != nil {
			// Mid-replace; the create event follows.
			return
		}
		if !mt.Equal(baseline) {
			stale = true
			cancel()
		}
	}
	err = config.WatchFile(wctx, exe, b.log, func(ev fsnotify.Event) {
		if filepath.Clean(ev.Name) != exe {
			return
		}
		if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
			check()
		}
	}, check)
	if stale {
		b.log.Warn("executable changed on disk; exiting for restart", logx.String("path", exe))
		return supervisor.Permanent(lifecycle.ErrStaleBinary)
	}
	return err
}

func mtime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
