package session

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Persistence is durable storage for one session.
type Persistence interface {
	// Load returns the stored record, or nil if there is none.
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Backend binds a Persistence to a request.
type Backend interface {
	Bind(w http.ResponseWriter, r *http.Request) Persistence
}

// MemoryPersistence keeps a single record in memory. It binds every request
// to the same record, so it is only suitable for tests and single-user tools.
type MemoryPersistence struct {
	mu      sync.Mutex
	rec     *Record
	expires time.Time
	now     func() time.Time
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{now: time.Now}
}

func (m *MemoryPersistence) Bind(http.ResponseWriter, *http.Request) Persistence {
	return m
}

func (m *MemoryPersistence) Load(context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	if !m.expires.IsZero() && m.now().After(m.expires) {
		m.rec = nil
		return nil, nil
	}
	rec := *m.rec
	return &rec, nil
}

func (m *MemoryPersistence) Save(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	m.expires = time.Time{}
	if ttl > 0 {
		m.expires = m.now().Add(ttl)
	}
	return nil
}

func (m *MemoryPersistence) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// Has reports whether a record is stored.
func (m *MemoryPersistence) Has() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec != nil
}

func maxAgeSeconds(ttl time.Duration) int {
	return max(int(ttl/time.Second), 1)
}
