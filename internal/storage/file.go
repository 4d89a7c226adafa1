package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/zeebo/blake3"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/util"
)

const (
	fileFormatVersion = 1
	lockRetryDelay    = 10 * time.Millisecond
)

var errChecksumMismatch = errors.New("checksum mismatch")

// fileEnvelope is the on-disk layout. Checksum is the blake3 hash of Users.
type fileEnvelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Users    json.RawMessage `json:"users"`
}

// FileStore persists the whole dataset as one JSON document.
// Every write replaces the file atomically via temp file and rename.
type FileStore struct {
	path        string
	mu          sync.Mutex
	lock        *flock.Flock
	lockTimeout time.Duration
	table       *table
	closed      bool
}

// NewFileStore opens the dataset at cfg.Path, creating parent directories as needed
func NewFileStore(cfg config.FileConfig) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, unavailable("create data dir", err)
	}

	f := &FileStore{path: cfg.Path, lockTimeout: cfg.LockTimeout}
	if cfg.CrossProcess {
		f.lock = flock.New(cfg.Path + ".lock")
	}

	// Fail fast on a corrupt file
	t, err := f.load()
	if err != nil {
		return nil, err
	}
	if f.lock == nil {
		f.table = t
	}

	util.Infof("File store opened at %s (%d users, cross-process lock: %v)", cfg.Path, len(t.order), cfg.CrossProcess)
	return f, nil
}

// withTable runs fn against the current dataset and saves it when fn reports a change
func (f *FileStore) withTable(ctx context.Context, fn func(t *table) (bool, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return unavailable("file", errClosed)
	}

	t := f.table
	if f.lock != nil {
		unlock, err := f.acquire(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		// Another process may have written since our last call
		if t, err = f.load(); err != nil {
			return err
		}
	}

	dirty, err := fn(t)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	if err := f.save(t); err != nil {
		if f.lock == nil {
			// Drop the in-memory copy so the next call rereads what is on disk
			reloaded, loadErr := f.load()
			if loadErr == nil {
				f.table = reloaded
			}
		}
		return err
	}
	return nil
}

func (f *FileStore) acquire(ctx context.Context) (func(), error) {
	lockCtx := ctx
	if f.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, f.lockTimeout)
		defer cancel()
	}

	ok, err := f.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, unavailable("acquire file lock", err)
	}
	if !ok {
		return nil, unavailable("acquire file lock", fmt.Errorf("lock %s is held", f.lock.Path()))
	}
	return func() {
		if err := f.lock.Unlock(); err != nil {
			util.Warnf("Failed to release file lock %s: %v", f.lock.Path(), err)
		}
	}, nil
}

func (f *FileStore) load() (*table, error) {
	t := newTable()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, unavailable("read data file", err)
	}
	if len(data) == 0 {
		return t, nil
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, unavailable("decode data file", err)
	}
	if env.Version != fileFormatVersion {
		return nil, unavailable("decode data file", fmt.Errorf("unsupported version %d", env.Version))
	}
	sum := blake3.Sum256(env.Users)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, unavailable("verify data file", errChecksumMismatch)
	}

	var users []*User
	if err := json.Unmarshal(env.Users, &users); err != nil {
		return nil, unavailable("decode users", err)
	}
	for _, u := range users {
		t.insert(u)
	}
	return t, nil
}

func (f *FileStore) save(t *table) error {
	payload, err := json.Marshal(t.all())
	if err != nil {
		return unavailable("encode users", err)
	}
	sum := blake3.Sum256(payload)

	data, err := json.Marshal(fileEnvelope{
		Version:  fileFormatVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Users:    payload,
	})
	if err != nil {
		return unavailable("encode data file", err)
	}
	return writeFileAtomic(f.path, data)
}

// writeFileAtomic replaces path with data so readers see the old or the new file, never a mix
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return unavailable("create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return unavailable("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return unavailable("replace data file", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// GetOrCreate returns the user for address, creating it on first use
func (f *FileStore) GetOrCreate(ctx context.Context, address, referralCode string) (*User, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}
	var u *User
	err := f.withTable(ctx, func(t *table) (bool, error) {
		var created bool
		var err error
		u, created, err = t.getOrCreate(ctx, address, referralCode, time.Now())
		return created, err
	})
	return u, err
}

// Get returns the user for address
func (f *FileStore) Get(ctx context.Context, address string) (*User, error) {
	var u *User
	err := f.withTable(ctx, func(t *table) (bool, error) {
		var err error
		u, err = t.get(address)
		return false, err
	})
	return u, err
}

// Update applies mutate and rewrites the file
func (f *FileStore) Update(ctx context.Context, address string, mutate Mutation) (*User, error) {
	var u *User
	err := f.withTable(ctx, func(t *table) (bool, error) {
		var err error
		u, err = t.update(address, mutate)
		return err == nil, err
	})
	return u, err
}

// Leaderboard returns users by points descending
func (f *FileStore) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	var users []*User
	err := f.withTable(ctx, func(t *table) (bool, error) {
		users = t.leaderboard(limit)
		return false, nil
	})
	return users, err
}

// TotalPoints sums points over every user
func (f *FileStore) TotalPoints(ctx context.Context) (int64, error) {
	var total int64
	err := f.withTable(ctx, func(t *table) (bool, error) {
		total = t.totalPoints()
		return false, nil
	})
	return total, err
}

// ActiveMinerCount counts sessions ending after now
func (f *FileStore) ActiveMinerCount(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := f.withTable(ctx, func(t *table) (bool, error) {
		count = t.activeMiners(now)
		return false, nil
	})
	return count, err
}

// AllUsers returns every user in creation order
func (f *FileStore) AllUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := f.withTable(ctx, func(t *table) (bool, error) {
		users = t.all()
		return false, nil
	})
	return users, err
}

// Close releases the lock file handle
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.lock != nil {
		return f.lock.Close()
	}
	return nil
}
