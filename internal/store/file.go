package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
)

const (
	fileStoreVersion = 1
	storeFileMode    = 0644
	storeDirMode     = 0755
)

type fileData struct {
	Version     int                     `json:"version"`
	Cases       []*approval.Case        `json:"cases"`
	Delegations []delegation.Delegation `json:"delegations"`
}

// File persists the repository as a single JSON document. Every operation
// re-reads the document under an advisory lock on <path>.lock, so several
// processes can share one file; mutations rewrite it through a temp file and
// rename while holding the lock exclusively.
type File struct {
	path string
	lock *flock.Flock

	mu  sync.Mutex
	mem *Memory
}

// OpenFile loads the store at path. A missing file starts empty.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file storage requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), storeDirMode); err != nil {
		return nil, fmt.Errorf("create case store dir: %w", err)
	}
	f := &File{path: path, lock: flock.New(path + ".lock"), mem: NewMemory()}
	if err := f.withLock(false, func() error { return nil }); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file location.
func (f *File) Path() string { return f.path }

// withLock takes the file lock, reloads the document and runs fn.
func (f *File) withLock(exclusive bool, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := f.lock.RLock
	if exclusive {
		lock = f.lock.Lock
	}
	if err := lock(); err != nil {
		return fmt.Errorf("lock case store: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	if err := f.load(); err != nil {
		return err
	}
	return fn()
}

func (f *File) load() error {
	var data fileData
	raw, err := os.ReadFile(f.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("read case store: %w", err)
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse case store: %w", err)
		}
	}

	f.mem.mu.Lock()
	f.mem.restore(data.Cases, data.Delegations)
	f.mem.mu.Unlock()
	return nil
}

// mutate runs fn against the freshly loaded document and persists the result.
func (f *File) mutate(fn func(m *Memory) error) error {
	return f.withLock(true, func() error {
		f.mem.mu.Lock()
		err := fn(f.mem)
		cases, dels := f.mem.snapshot()
		f.mem.mu.Unlock()
		if err != nil {
			return err
		}
		return f.save(fileData{Version: fileStoreVersion, Cases: cases, Delegations: dels})
	})
}

// read runs fn against the freshly loaded document.
func (f *File) read(fn func(m *Memory) error) error {
	return f.withLock(false, func() error { return fn(f.mem) })
}

func (f *File) save(data fileData) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal case store: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create case store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "cases-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp case store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp case store: %w", err)
	}
	if err := tmpFile.Chmod(storeFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp case store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp case store: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		if removeErr := os.Remove(f.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace case store: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, f.path); retryErr != nil {
			return fmt.Errorf("replace case store after remove: %w", retryErr)
		}
	}
	return nil
}

func (f *File) CreateCase(_ context.Context, c *approval.Case) error {
	return f.mutate(func(m *Memory) error { return m.createCaseLocked(c) })
}

func (f *File) UpdateCase(_ context.Context, c *approval.Case, expectedVersion int) error {
	return f.mutate(func(m *Memory) error { return m.updateCaseLocked(c, expectedVersion) })
}

func (f *File) GetCase(ctx context.Context, id string) (c *approval.Case, err error) {
	err = f.read(func(m *Memory) error {
		c, err = m.GetCase(ctx, id)
		return err
	})
	return c, err
}

func (f *File) GetCaseByTransaction(ctx context.Context, transactionID string) (c *approval.Case, err error) {
	err = f.read(func(m *Memory) error {
		c, err = m.GetCaseByTransaction(ctx, transactionID)
		return err
	})
	return c, err
}

func (f *File) ListCases(ctx context.Context, q approval.Query) (cases []*approval.Case, err error) {
	err = f.read(func(m *Memory) error {
		cases, err = m.ListCases(ctx, q)
		return err
	})
	return cases, err
}

func (f *File) CreateDelegation(_ context.Context, d delegation.Delegation, check DelegationCheck) error {
	return f.mutate(func(m *Memory) error { return m.createDelegationLocked(d, check) })
}

func (f *File) UpdateDelegation(_ context.Context, d delegation.Delegation) error {
	return f.mutate(func(m *Memory) error { return m.updateDelegationLocked(d) })
}

func (f *File) GetDelegation(ctx context.Context, id string) (d delegation.Delegation, err error) {
	err = f.read(func(m *Memory) error {
		d, err = m.GetDelegation(ctx, id)
		return err
	})
	return d, err
}

func (f *File) ListDelegations(ctx context.Context, q delegation.Query) (list []delegation.Delegation, err error) {
	err = f.read(func(m *Memory) error {
		list, err = m.ListDelegations(ctx, q)
		return err
	})
	return list, err
}

// Close is a no-op; every mutation is already on disk.
func (f *File) Close() error { return nil }
