// Package secretfile keeps a shared secret loaded from a file current as the
// file is rewritten or swapped out.
package secretfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrEmpty is returned when the secret file holds only whitespace.
var ErrEmpty = errors.New("secretfile: file is empty")

// Secret is the current content of a watched file.
type Secret struct {
	path string
	log  *slog.Logger
	val  atomic.Pointer[[]byte]
	done chan struct{}
}

// Watch loads path and reloads it whenever its directory changes, until ctx
// is done. Surrounding whitespace is trimmed. A reload that fails or yields
// an empty file keeps the previous value.
func Watch(ctx context.Context, path string, log *slog.Logger) (*Secret, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Secret{path: path, log: log, done: make(chan struct{})}
	v, err := s.read()
	if err != nil {
		return nil, err
	}
	s.val.Store(&v)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("secretfile: %w", err)
	}
	// Watch the directory so that atomic renames and symlink swaps (as done
	// for mounted Kubernetes secrets) are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("secretfile: watch %s: %w", filepath.Dir(path), err)
	}
	go s.run(ctx, w)
	return s, nil
}

// Value returns the current secret. Callers must not modify it.
func (s *Secret) Value() []byte {
	return *s.val.Load()
}

// Done is closed once the watcher has stopped.
func (s *Secret) Done() <-chan struct{} { return s.done }

func (s *Secret) run(ctx context.Context, w *fsnotify.Watcher) {
	defer close(s.done)
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.WarnContext(ctx, "secretfile.watch.error", slog.String("path", s.path), slog.String("err", err.Error()))
		}
	}
}

func (s *Secret) reload(ctx context.Context) {
	v, err := s.read()
	if err != nil {
		s.log.WarnContext(ctx, "secretfile.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
		return
	}
	if bytes.Equal(v, s.Value()) {
		return
	}
	s.val.Store(&v)
	s.log.InfoContext(ctx, "secretfile.reload.ok", slog.String("path", s.path))
}

func (s *Secret) read() ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("secretfile: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, s.path)
	}
	return b, nil
}
