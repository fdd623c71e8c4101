package kvstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/capahunt/capahunt/pkg/lockfile"
)

// FileStore keeps one JSON document per key under a base directory. All
// mutations take the store-wide lock file before their read-modify-write
// cycle; writes go through a temp file and rename so readers never observe a
// torn document.
type FileStore struct {
	dir  string
	lock func() *lockfile.Lock

	// LockStaleAfter and LockAcquireTimeout tune the mutation lock.
	LockStaleAfter     time.Duration
	LockAcquireTimeout time.Duration
}

// fileDocument is the on-disk representation.
type fileDocument struct {
	Key       string          `json:"key"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	Value     json.RawMessage `json:"value"`
}

// NewFileStore creates (if needed) the base directory and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("kvstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}
	fs := &FileStore{
		dir:                dir,
		LockStaleAfter:     lockfile.DefaultStaleAfter,
		LockAcquireTimeout: lockfile.DefaultAcquireTimeout,
	}
	fs.lock = func() *lockfile.Lock {
		l := lockfile.New(filepath.Join(dir, ".store.lock"))
		l.StaleAfter = fs.LockStaleAfter
		l.AcquireTimeout = fs.LockAcquireTimeout
		return l
	}
	return fs, nil
}

// keyPath maps a key to a stable file name. Keys may contain separators and
// raw identifiers, so the name combines a sanitized prefix with an FNV hash
// rather than leaking the key verbatim.
func (fs *FileStore) keyPath(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	digest := hex.EncodeToString(h.Sum(nil))

	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, key)
	if len(safe) > 48 {
		safe = safe[:48]
	}
	return filepath.Join(fs.dir, safe+"-"+digest+".json")
}

func (fs *FileStore) read(key string) (*fileDocument, error) {
	data, err := os.ReadFile(fs.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: read %s: %w", key, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A torn or corrupt document is treated as absent; the owning
		// component reinitializes on the next write.
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (fs *FileStore) write(doc *fileDocument) error {
	path := fs.keyPath(doc.Key)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: marshal %s: %w", doc.Key, err)
	}
	tmp, err := os.CreateTemp(fs.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("kvstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: write %s: %w", doc.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: rename %s: %w", doc.Key, err)
	}
	return nil
}

// withLock runs fn while holding the store lock, releasing on every exit path.
func (fs *FileStore) withLock(fn func() error) error {
	l := fs.lock()
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Get implements Store.
func (fs *FileStore) Get(_ context.Context, key string) (*Document, error) {
	doc, err := fs.read(key)
	if err != nil {
		return nil, err
	}
	return &Document{Revision: doc.Revision, Value: doc.Value}, nil
}

// Put implements Store.
func (fs *FileStore) Put(_ context.Context, key string, value json.RawMessage) (int64, error) {
	var rev int64
	err := fs.withLock(func() error {
		prev, err := fs.read(key)
		if err != nil && err != ErrNotFound {
			return err
		}
		rev = 1
		if prev != nil {
			rev = prev.Revision + 1
		}
		return fs.write(&fileDocument{
			Key:       key,
			Revision:  rev,
			UpdatedAt: time.Now().UTC(),
			Value:     value,
		})
	})
	return rev, err
}

// CompareAndSwap implements Store.
func (fs *FileStore) CompareAndSwap(_ context.Context, key string, expected int64, value json.RawMessage) (int64, error) {
	var rev int64
	err := fs.withLock(func() error {
		prev, err := fs.read(key)
		if err != nil && err != ErrNotFound {
			return err
		}
		var current int64
		if prev != nil {
			current = prev.Revision
		}
		if current != expected {
			return fmt.Errorf("%w: key %s has revision %d, expected %d",
				ErrRevisionMismatch, key, current, expected)
		}
		rev = current + 1
		return fs.write(&fileDocument{
			Key:       key,
			Revision:  rev,
			UpdatedAt: time.Now().UTC(),
			Value:     value,
		})
	})
	return rev, err
}

// Delete implements Store.
func (fs *FileStore) Delete(_ context.Context, key string) error {
	return fs.withLock(func() error {
		if err := os.Remove(fs.keyPath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("kvstore: delete %s: %w", key, err)
		}
		return nil
	})
}

// List implements Store.
func (fs *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, entry.Name()))
		if err != nil {
			continue
		}
		var doc fileDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if strings.HasPrefix(doc.Key, prefix) {
			keys = append(keys, doc.Key)
		}
	}
	return keys, nil
}
