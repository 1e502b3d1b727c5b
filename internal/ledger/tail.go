package ledger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval backs up fsnotify on filesystems that drop write events.
const pollInterval = time.Second

type tail struct {
	path    string
	offset  int64
	watcher *fsnotify.Watcher
}

func newTail(p string) (*tail, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat ledger: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(p); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch ledger: %w", err)
	}
	return &tail{path: p, offset: info.Size(), watcher: watcher}, nil
}

func (t *tail) Close() error {
	return t.watcher.Close()
}

// Next blocks until at least one new complete line is available.
func (t *tail) Next(ctx context.Context) ([]string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		lines, offset, err := readFrom(t.path, t.offset)
		if err != nil {
			return nil, err
		}
		t.offset = offset
		if len(lines) > 0 {
			return lines, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-t.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("ledger watcher closed")
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil, fmt.Errorf("ledger %s was moved or removed", t.path)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("ledger watcher closed")
			}
			return nil, fmt.Errorf("watch ledger: %w", err)
		case <-ticker.C:
		}
	}
}
