// Package boltkv stores kv tables in bbolt files, one file per table.
package boltkv

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofiber/storage/bbolt"
	bolt "go.etcd.io/bbolt"

	"github.com/javi11/nntp-storage/kv"
)

// Config for an Engine.
type Config struct {
	// Dir holds one <table>.db file per table. It is created if missing.
	Dir string
	// SyncWrites fsyncs every write. Off trades crash safety for speed;
	// data still persists across clean restarts.
	SyncWrites bool
	// Timeout waits for the file lock. Zero means one second.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Engine is a kv.Engine over bbolt.
type Engine struct {
	cfg    Config
	mu     sync.Mutex
	tables map[string]*table
	logger *slog.Logger
}

// Open prepares an engine rooted at cfg.Dir. Table files are opened lazily.
func Open(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("boltkv: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bolt directory: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "boltkv")
	}
	return &Engine{cfg: cfg, tables: make(map[string]*table), logger: logger}, nil
}

func (e *Engine) Table(name string) (kv.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t, nil
	}

	path := filepath.Join(e.cfg.Dir, name+".db")
	store, err := newStorage(bbolt.Config{
		Database: path,
		Bucket:   name,
		Timeout:  e.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening table %s: %w", name, err)
	}
	if !e.cfg.SyncWrites {
		store.Conn().NoSync = true
		store.Conn().NoFreelistSync = true
	}

	t := &table{name: name, store: store}
	e.tables[name] = t
	e.logger.Debug("table opened", "table", name, "path", path)
	return t, nil
}

// newStorage turns the panics of bbolt.New into errors.
func newStorage(cfg bbolt.Config) (s *bbolt.Storage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return bbolt.New(cfg), nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, t := range e.tables {
		if err := t.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing table %s: %w", name, err)
		}
		delete(e.tables, name)
	}
	return firstErr
}

type table struct {
	name  string
	mu    sync.RWMutex
	store *bbolt.Storage
}

// Get copies the value out before releasing the lock; bbolt values point
// into the mmap and are invalidated by the next write.
func (t *table) Get(key string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, err := t.store.Get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, kv.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *table) Set(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Set(key, value, 0)
}

func (t *table) Has(key string) (bool, error) {
	_, err := t.Get(key)
	if err == kv.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *table) Keys() ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []string
	err := t.store.Conn().View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
