package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/daviddao/gaia/pkg/model"
)

// Follow delivers every event currently in the log and then every event
// appended afterwards, until ctx is done. It watches the log's directory so
// it also picks up a log that does not exist yet.
func (l *Log) Follow(ctx context.Context, fn func(model.Event)) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	drain := func() error {
		n, err := l.readFrom(offset, fn)
		offset += n
		return err
	}
	if err := drain(); err != nil {
		return err
	}

	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch event log: %w", err)
		}
	}
}

// readFrom delivers complete events after offset and returns the bytes
// consumed.
func (l *Log) readFrom(offset int64, fn func(model.Event)) (int64, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	events, _, n, err := decodeFrom(f)
	for _, e := range events {
		fn(e)
	}
	return n, err
}
