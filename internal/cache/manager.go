package cache

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
)

// DefaultTTL bounds fallback promotions before any Set has been made.
const DefaultTTL = 10 * time.Minute

// Manager reads through a primary cache and an optional in-memory fallback.
type Manager struct {
	primary  Cache
	fallback Cache
	logger   *log.Logger

	// ttl is the lifetime of the last Set, reused when a fallback hit is
	// copied into primary.
	ttl time.Duration

	mu     sync.RWMutex
	hits   int64
	misses int64
}

// NewManager uses Redis as primary when useRedis is set and the server
// answers, memory otherwise.
func NewManager(useRedis bool, redisURL string, size int, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var primary, fallback Cache
	mem := NewMemoryCache(size)
	if useRedis && redisURL != "" {
		rc, err := NewRedisCache(redisURL, DefaultPrefix, logger)
		if err != nil {
			logger.Printf("Redis cache unavailable, falling back to memory: %v", err)
			primary = mem
		} else {
			primary = rc
			fallback = mem
		}
	} else {
		primary = mem
	}
	return &Manager{primary: primary, fallback: fallback, logger: logger, ttl: DefaultTTL}
}

// NewManagerWith wires explicit caches; fallback may be nil.
func NewManagerWith(primary, fallback Cache) *Manager {
	return &Manager{primary: primary, fallback: fallback, logger: log.New(io.Discard, "", 0), ttl: DefaultTTL}
}

func (m *Manager) Get(key string) ([]cortex.Analyzer, bool) {
	if v, ok := m.primary.Get(key); ok {
		m.record(true)
		return v, true
	}
	if m.fallback != nil {
		if v, ok := m.fallback.Get(key); ok {
			m.record(true)
			m.mu.RLock()
			ttl := m.ttl
			m.mu.RUnlock()
			m.primary.Set(key, v, ttl)
			return v, true
		}
	}
	m.record(false)
	return nil, false
}

func (m *Manager) Set(key string, analyzers []cortex.Analyzer, ttl time.Duration) {
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
	m.primary.Set(key, analyzers, ttl)
	if m.fallback != nil {
		m.fallback.Set(key, analyzers, ttl)
	}
}

func (m *Manager) Delete(key string) {
	m.primary.Delete(key)
	if m.fallback != nil {
		m.fallback.Delete(key)
	}
}

func (m *Manager) Clear() {
	m.primary.Clear()
	if m.fallback != nil {
		m.fallback.Clear()
	}
}

func (m *Manager) Close() error {
	err := m.primary.Close()
	if m.fallback != nil {
		if e := m.fallback.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (m *Manager) record(hit bool) {
	m.mu.Lock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()
}

// Stats returns hit and miss counters and the hit ratio.
func (m *Manager) Stats() (hits, misses int64, ratio float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits, misses = m.hits, m.misses
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return
}
