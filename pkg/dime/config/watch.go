package config

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher calls a function when configuration files change. Bursts of
// events, as editors produce when saving, are folded into one call.
type Watcher struct {
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()

	// files maps a watched file to true; directories are watched for any
	// configuration file they contain.
	files map[string]bool
	dirs  map[string]bool

	closeOnce sync.Once
}

// NewWatcher watches paths, which are configuration files or directories.
// Files are watched through their parent directory so that editors that
// replace the file are noticed.
func NewWatcher(logger *zap.Logger, debounce time.Duration, onChange func(), paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		logger:   logger,
		watcher:  fw,
		debounce: debounce,
		onChange: onChange,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
	}

	for _, path := range paths {
		if err := w.add(path); err != nil {
			fw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if p == abs {
				w.files[p] = true
				return w.watcher.Add(filepath.Dir(p))
			}
			return nil
		}
		w.dirs[p] = true
		return w.watcher.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	return nil
}

// relevant reports whether an event on name should trigger a reload.
func (w *Watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	return strings.HasSuffix(name, FileSuffix) && w.dirs[filepath.Dir(name)]
}

// Run delivers change notifications until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug("Config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
