package kvstore

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Backend for tests and single-instance setups.
type Memory struct {
	mu         sync.Mutex
	data       map[string][]byte
	createOnly bool
}

// NewMemory returns an empty store with an atomic CreateOnly.
func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}, createOnly: true}
}

// NewMemoryWithoutCreateOnly returns an empty store that only offers plain
// get, set and delete, like a bare hash.
func NewMemoryWithoutCreateOnly() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Name() string { return MemoryBackend }

func (m *Memory) Capabilities() Capabilities {
	if m.createOnly {
		return CapabilityCreateOnly
	}
	return 0
}

func (m *Memory) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	if !m.createOnly {
		return false, ErrNotSupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = bytes.Clone(value)
	return true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(ctx context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		ret[k] = bytes.Clone(v)
	}
	return ret, nil
}

func (m *Memory) Close() error { return nil }
