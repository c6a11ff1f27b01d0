// Package filestore reads and writes one JSON state file under an exclusive,
// cross-process OS lock. Writes go to a temp file that is renamed over the
// target, so a concurrent reader sees either the old or the new content.
//
// Acquiring the lock blocks. Never call into a Store from a path that must
// stay non-blocking.
package filestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pixperk/pdmlock/pkg/types"
)

const lockSuffix = ".lock"

// Store guards one state file of type T.
type Store[T any] struct {
	path     string
	lockPath string
	locker   Locker
	newValue func() T

	// goroutines sharing a Store queue here before touching the OS lock
	mu sync.Mutex
}

type options struct {
	lockPath string
	locker   Locker
}

type Option func(*options)

// places the lock file somewhere other than <path>.lock, e.g. inside .git
// so it never shows up as an untracked file in the working copy
func WithLockPath(p string) Option {
	return func(o *options) { o.lockPath = p }
}

func WithLocker(l Locker) Option {
	return func(o *options) { o.locker = l }
}

// New returns a Store for path. newValue builds the state returned when
// the file does not exist yet.
func New[T any](path string, newValue func() T, opts ...Option) *Store[T] {
	o := options{
		lockPath: path + lockSuffix,
		locker:   NewLocker(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if newValue == nil {
		newValue = func() T {
			var zero T
			return zero
		}
	}

	return &Store[T]{
		path:     path,
		lockPath: o.lockPath,
		locker:   o.locker,
		newValue: newValue,
	}
}

func (s *Store[T]) Path() string { return s.path }

// Read returns the current state, or the default state if the file is missing.
func (s *Store[T]) Read() (T, error) {
	var out T
	err := s.WithLock(func(tx *Tx[T]) error {
		v, err := tx.Read()
		out = v
		return err
	})
	return out, err
}

// Write replaces the state atomically.
func (s *Store[T]) Write(v T) error {
	return s.WithLock(func(tx *Tx[T]) error {
		return tx.Write(v)
	})
}

// Update runs a read-modify-write cycle under a single lock hold.
func (s *Store[T]) Update(fn func(T) (T, error)) error {
	return s.WithLock(func(tx *Tx[T]) error {
		cur, err := tx.Read()
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		return tx.Write(next)
	})
}

// WithLock holds the exclusive lock while fn runs. fn must use the Tx and
// not the Store, the OS lock is not reentrant.
func (s *Store[T]) WithLock(fn func(tx *Tx[T]) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := s.locker.Lock(f); err != nil {
		return fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	defer func() { _ = s.locker.Unlock(f) }()

	return fn(&Tx[T]{s: s})
}

// Tx is the view of a Store while its lock is held.
type Tx[T any] struct {
	s *Store[T]
}

func (tx *Tx[T]) Read() (T, error) {
	data, err := os.ReadFile(tx.s.path)
	if errors.Is(err, os.ErrNotExist) {
		return tx.s.newValue(), nil
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("read %s: %w", tx.s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return tx.s.newValue(), nil
	}

	v := tx.s.newValue()
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, &types.CorruptStateError{Path: tx.s.path, Err: err}
	}
	return v, nil
}

func (tx *Tx[T]) Write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(tx.s.path, data)
}

// temp file in the same directory so the rename never crosses filesystems
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
