// Package store keeps the allocation table in a JSON document on local disk.
//
// Locks are taken on a sidecar file (<path>.lock) rather than the document
// itself because writes replace the document by rename. Tools that lock the
// document directly are not excluded, so only processes using this package may
// share a document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gpu-claim-bot/allocator"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const lockRetryDelay = 10 * time.Millisecond

// File is an allocator.Store backed by a JSON document.
type File struct {
	path        string
	lockPath    string
	poolSize    int
	lockTimeout time.Duration
}

func New(path string, poolSize int, lockTimeout time.Duration) *File {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &File{
		path:        path,
		lockPath:    path + ".lock",
		poolSize:    poolSize,
		lockTimeout: lockTimeout,
	}
}

func (f *File) Path() string { return f.path }

// Load reads the table under a shared lock. A missing document is created
// with every GPU available.
func (f *File) Load(ctx context.Context) (allocator.Table, error) {
	fl, err := f.lock(ctx, true)
	if err != nil {
		return nil, err
	}
	t, err := f.read()
	f.unlock(fl)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", f.path).Msg("store: status file not found, initializing")
		return f.initialize(ctx)
	}
	return t, err
}

// Save replaces the document under an exclusive lock.
func (f *File) Save(ctx context.Context, t allocator.Table) error {
	fl, err := f.lock(ctx, false)
	if err != nil {
		return err
	}
	defer f.unlock(fl)
	return f.write(t)
}

// Update runs fn against the current table while holding the exclusive lock
// and saves the result when fn reports a change.
func (f *File) Update(ctx context.Context, fn func(allocator.Table) (bool, error)) error {
	fl, err := f.lock(ctx, false)
	if err != nil {
		return err
	}
	defer f.unlock(fl)

	t, err := f.read()
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", f.path).Int("poolSize", f.poolSize).Msg("store: status file not found, initializing")
		t = allocator.NewTable(f.poolSize)
		if err := f.write(t); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	changed, err := fn(t)
	if err != nil || !changed {
		return err
	}
	return f.write(t)
}

// Ping checks that the document can be read.
func (f *File) Ping(ctx context.Context) error {
	_, err := f.Load(ctx)
	return err
}

func (f *File) initialize(ctx context.Context) (allocator.Table, error) {
	fl, err := f.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer f.unlock(fl)

	// Another caller may have initialized while we waited for the lock.
	t, err := f.read()
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	t = allocator.NewTable(f.poolSize)
	if err := f.write(t); err != nil {
		return nil, err
	}
	log.Info().Str("path", f.path).Int("poolSize", f.poolSize).Msg("store: initialized status file")
	return t, nil
}

func (f *File) lock(ctx context.Context, shared bool) (*flock.Flock, error) {
	ctx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	fl := flock.New(f.lockPath)
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = fl.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = fl.TryLockContext(ctx, lockRetryDelay)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), err == nil && !ok:
		return nil, &allocator.StoreError{Op: "lock", Path: f.lockPath, Err: allocator.ErrLockTimeout}
	case err != nil:
		return nil, &allocator.StoreError{Op: "lock", Path: f.lockPath, Err: err}
	}
	return fl, nil
}

func (f *File) unlock(fl *flock.Flock) {
	if err := fl.Unlock(); err != nil {
		log.Error().Err(err).Str("path", f.lockPath).Msg("store: failed to release lock")
	}
}

// read returns fs.ErrNotExist unwrapped so callers can initialize.
func (f *File) read() (allocator.Table, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fs.ErrNotExist
	}
	if err != nil {
		return nil, &allocator.StoreError{Op: "read", Path: f.path, Err: err}
	}
	var t allocator.Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, &allocator.StoreError{Op: "decode", Path: f.path, Err: err}
	}
	if t == nil {
		return nil, &allocator.StoreError{Op: "decode", Path: f.path, Err: errors.New("document is not an object")}
	}
	return t, nil
}

// write replaces the document atomically: temp file, fsync, rename.
func (f *File) write(t allocator.Table) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return &allocator.StoreError{Op: "encode", Path: f.path, Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return &allocator.StoreError{Op: "write", Path: f.path, Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &allocator.StoreError{Op: "write", Path: f.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &allocator.StoreError{Op: "write", Path: f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &allocator.StoreError{Op: "write", Path: f.path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		log.Warn().Err(err).Str("path", tmpPath).Msg("store: chmod failed")
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return &allocator.StoreError{Op: "write", Path: f.path, Err: err}
	}
	log.Debug().Str("path", f.path).Msg("store: status file updated")
	return nil
}
