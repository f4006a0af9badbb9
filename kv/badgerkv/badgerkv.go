// Package badgerkv stores kv tables in a single badger database. Each table
// owns the key prefix "<table>/".
package badgerkv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger"

	"github.com/javi11/nntp-storage/kv"
)

// Config for an Engine.
type Config struct {
	Dir        string
	SyncWrites bool
	// Logger receives badger's internal output. Nil silences it.
	Logger *slog.Logger
}

// Engine is a kv.Engine over badger.
type Engine struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{})   {}
func (nopLogger) Warningf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})    {}
func (nopLogger) Debugf(string, ...interface{})   {}

// Open opens or creates the database in cfg.Dir.
func Open(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, errors.New("badgerkv: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating badger directory %s: %w", cfg.Dir, err)
	}

	opts := badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nopLogger{})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Table(name string) (kv.Table, error) {
	return &table{db: e.db, prefix: name + "/"}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type table struct {
	db     *badger.DB
	prefix string
}

func (t *table) key(k string) []byte {
	return []byte(t.prefix + k)
}

func (t *table) Get(key string) ([]byte, error) {
	var out []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.key(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	return out, err
}

func (t *table) Set(key string, value []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(t.key(key), value)
	})
}

func (t *table) Has(key string) (bool, error) {
	err := t.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(t.key(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *table) Keys() ([]string, error) {
	var keys []string
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(t.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), t.prefix))
		}
		return nil
	})
	return keys, err
}
