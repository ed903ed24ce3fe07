package cursor

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryKV is an in-process KV. It only coordinates goroutines of a single
// process and is meant for tests and single-process deployments.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

// Compile-time check that MemoryKV implements KV.
var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory store. A nil clock uses time.Now.
func NewMemoryKV(now func() time.Time) *MemoryKV {
	if now == nil {
		now = time.Now
	}
	return &MemoryKV{data: make(map[string]memoryEntry), now: now}
}

func (m *MemoryKV) live(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return e, false
	}
	return e, true
}

func (m *MemoryKV) entry(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	return e
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.value, ok, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryKV) SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		if cur, err := strconv.ParseInt(e.value, 10, 64); err == nil && cur >= value {
			return false, nil
		}
	}
	m.data[key] = m.entry(strconv.FormatInt(value, 10), ttl)
	return true, nil
}

func (m *MemoryKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return -1, true, nil
	}
	return e.expiresAt.Sub(m.now()), true, nil
}

func (m *MemoryKV) Ping(ctx context.Context) error { return nil }

func (m *MemoryKV) Close() error { return nil }
