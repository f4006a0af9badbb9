// Package kv defines the durable key-addressed tables the keyed-store
// backend is built on. Engines live in subpackages.
package kv

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Table.Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Table is one independently addressable map of keys to values.
type Table interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Has(key string) (bool, error)
	// Keys returns every key. Order is not guaranteed.
	Keys() ([]string, error)
}

// Engine opens named tables.
type Engine interface {
	Table(name string) (Table, error)
	Close() error
}

// Memory is a process-local Engine, used in tests and for throwaway
// servers.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

// NewMemory returns an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

func (m *Memory) Table(name string) (Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{data: make(map[string][]byte)}
		m.tables[name] = t
	}
	return t, nil
}

func (m *Memory) Close() error { return nil }

type memTable struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (t *memTable) Get(key string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memTable) Set(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[key] = append([]byte(nil), value...)
	return nil
}

func (t *memTable) Has(key string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.data[key]
	return ok, nil
}

func (t *memTable) Keys() ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	return keys, nil
}
