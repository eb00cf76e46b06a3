package store

import "sync"

// Memory keeps chunks in a map. Tests and short transfers use it.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{chunks: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.chunks[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *Memory) Set(key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.chunks[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.chunks, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.chunks = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored chunks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
