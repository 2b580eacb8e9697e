package discovery

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wikibot/pkg/logx"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch calls onChange (debounced) whenever a candidate file under the bot
// directories is created, written, renamed or removed. It blocks until ctx is done.
// A broken fsnotify watcher is recreated with jittered backoff.
func (l *Loader) Watch(ctx context.Context, onChange func()) error {
	log := l.log()
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	trigger := func(path string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		log.Debug("bot source change detected; scheduling rescan", logx.String("path", path))
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("bot watcher init failed", logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		added := 0
		for _, dir := range l.Dirs {
			added += addTree(w, dir, log)
		}
		if added == 0 {
			_ = w.Close()
			log.Debug("no bot directories to watch yet")
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		log.Debug("bot watcher started", logx.Int("dirs", added))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						addTree(w, ev.Name, log)
						trigger(ev.Name)
						continue
					}
				}
				if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				if l.candidate(ev.Name) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					trigger(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				log.Warn("bot watcher error", logx.Err(err))
			}
		}
		_ = w.Close()
		log.Warn("bot watcher stopped unexpectedly; restarting")
		if !wait() {
			return nil
		}
	}
}

// addTree registers dir and its non-hidden subdirectories. It returns how many were added.
func addTree(w *fsnotify.Watcher, dir string, log logx.Logger) int {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return 0
	}
	n := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Debug("bot watcher walk failed", logx.String("path", path), logx.Err(err))
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.Add(path); err != nil {
			log.Warn("bot watcher add failed", logx.String("dir", path), logx.Err(err))
			return nil
		}
		n++
		return nil
	})
	return n
}
