package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileProvider serves the token stored in a file and reloads it whenever the
// file is written or replaced.
type FileProvider struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string
	err   error

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token file watcher: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is observed.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	p := &FileProvider{
		path:    path,
		log:     logger,
		watcher: w,
		done:    make(chan struct{}),
	}
	p.reload()
	go p.watch()
	return p, nil
}

func (p *FileProvider) Token(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return "", p.err
	}
	if p.token == "" {
		return "", ErrMissingCredentials
	}
	return p.token, nil
}

func (p *FileProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.watcher.Close()
		<-p.done
	})
	return err
}

func (p *FileProvider) watch() {
	defer close(p.done)
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("token file watcher error", "path", p.path, "err", err)
		}
	}
}

func (p *FileProvider) reload() {
	raw, err := os.ReadFile(p.path)
	tok := strings.TrimSpace(string(raw))

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.err = fmt.Errorf("read token file: %w", err)
		p.log.Warn("token file unreadable", "path", p.path, "err", err)
		return
	}
	changed := tok != p.token
	p.token = tok
	p.err = nil
	if changed {
		p.log.Debug("token file reloaded", "path", p.path)
	}
}
