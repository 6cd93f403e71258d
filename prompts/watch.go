package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for more changes before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads templates whenever a Markdown file in the template directory
// changes. It blocks until ctx is done.
func (a *Assembler) Watch(ctx context.Context, debounce time.Duration) error {
	if a.dir == "" {
		return errors.New("no template directory configured")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	err = filepath.WalkDir(a.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("Watching prompt templates", "dir", a.dir, "debounce", debounce)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						a.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".md") {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			a.logger.Error("Template watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := a.Reload(); err != nil {
				a.logger.Warn("Failed to reload prompt templates", "dir", a.dir, "error", err)
			}
		}
	}
}
