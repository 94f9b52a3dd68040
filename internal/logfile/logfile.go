// Package logfile manages per-entity log files under the data
// directory, including fsnotify-backed follow for streaming reads.
package logfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Dir is the log root under the data directory.
type Dir struct {
	root string
}

// NewDir creates the log root handle. Directories are created lazily on
// first append.
func NewDir(dataDir string) *Dir {
	return &Dir{root: filepath.Join(dataDir, "logs")}
}

// Path returns the log file path for an entity. kind is "task" or
// "environment".
func (d *Dir) Path(kind, id string) string {
	return filepath.Join(d.root, kind, id+".log")
}

// OpenAppend opens the entity's log for appending, creating parents as
// needed. The caller closes it.
func (d *Dir) OpenAppend(kind, id string) (*os.File, error) {
	path := d.Path(kind, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Stream copies the entity's log to w. With follow set it keeps copying
// as the file grows until ctx is done; the file not existing yet is not
// an error in follow mode (it appears when the first handler writes).
func (d *Dir) Stream(ctx context.Context, kind, id string, follow bool, w io.Writer) error {
	path := d.Path(kind, id)

	f, err := os.Open(path)
	if err != nil {
		if !follow || !os.IsNotExist(err) {
			return err
		}
		f, err = d.waitForFile(ctx, path)
		if err != nil {
			return err
		}
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return d.followFile(ctx, f, path, w)
}

// waitForFile blocks until the log file appears.
func (d *Dir) waitForFile(ctx context.Context, path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return nil, err
	}
	// The file may have appeared between the failed open and the watch.
	if f, err := os.Open(path); err == nil {
		return f, nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return os.Open(path)
			}
		case err := <-watcher.Errors:
			return nil, err
		}
	}
}

// followFile copies appended bytes as write events arrive.
func (d *Dir) followFile(ctx context.Context, f *os.File, path string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	// Catch up on anything written between the initial copy and the watch.
	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if ev.Op.Has(fsnotify.Write) {
				if _, err := io.Copy(w, f); err != nil {
					return err
				}
			}
		case err := <-watcher.Errors:
			return err
		}
	}
}
