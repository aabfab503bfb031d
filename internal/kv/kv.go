package kv

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the durable key-value port used for chat room caches and the
// feed snapshot. Implementations must tolerate concurrent callers. Reads
// that miss return ok=false rather than an error; callers treat write
// failures as non-fatal.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	List(prefix string) []string
	Close() error
}

// Open creates a store for the configured backend.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "memory":
		return NewMemory(), nil
	case "pebble":
		return OpenPebble(path)
	default:
		return nil, fmt.Errorf("unknown kv backend: %s", backend)
	}
}

// Prefixed returns a view of base with every key namespaced under
// prefix. Separate prefixes over the same backend never collide.
func Prefixed(base Store, prefix string) Store {
	return &prefixed{base: base, prefix: prefix}
}

type prefixed struct {
	base   Store
	prefix string
}

func (p *prefixed) Get(key string) (string, bool) {
	return p.base.Get(p.prefix + key)
}

func (p *prefixed) Set(key, value string) error {
	return p.base.Set(p.prefix+key, value)
}

func (p *prefixed) Delete(key string) error {
	return p.base.Delete(p.prefix + key)
}

func (p *prefixed) List(prefix string) []string {
	keys := p.base.List(p.prefix + prefix)
	trimmed := make([]string, 0, len(keys))
	for _, k := range keys {
		trimmed = append(trimmed, strings.TrimPrefix(k, p.prefix))
	}
	return trimmed
}

// Close is a no-op; the underlying store owns its lifecycle.
func (p *prefixed) Close() error {
	return nil
}

// Memory is an in-process store used by tests and as a fallback backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Close() error {
	return nil
}
