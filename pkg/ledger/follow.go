package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every row appended to path after Follow starts,
// until ctx is done. The file may not exist yet; truncation and
// recreation restart reading from the top. Malformed lines are skipped.
func Follow(ctx context.Context, path string, fn func(Row)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creation and rotation are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	t := &tail{path: abs, fn: fn}
	if info, err := os.Stat(abs); err == nil {
		t.offset = info.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.reset()
			case event.Has(fsnotify.Create):
				t.reset()
				if err := t.read(); err != nil {
					return err
				}
			case event.Has(fsnotify.Write):
				if err := t.read(); err != nil {
					return err
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch ledger: %w", err)
		}
	}
}

// tail reads complete lines appended since offset.
type tail struct {
	path   string
	offset int64
	fn     func(Row)
}

func (t *tail) reset() {
	t.offset = 0
}

func (t *tail) read() error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek ledger: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	// A trailing partial line is left for the next write.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if row, ok := parseLine(line); ok {
			t.fn(row)
		}
	}
	t.offset += int64(end + 1)
	return nil
}
