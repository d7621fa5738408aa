package cache

import (
	"testing"
	"time"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = []cortex.Analyzer{{ID: "a1", Name: "AbuseIPDB_1_0", DataTypeList: []string{"ip"}}}

func TestMemoryCacheTTL(t *testing.T) {
	mc := NewMemoryCache(10)
	defer mc.Close()

	mc.Set(TypeKey("ip"), sample, time.Hour)
	got, ok := mc.Get(TypeKey("ip"))
	require.True(t, ok)
	assert.Equal(t, sample, got)

	mc.Set(NameKey("old"), sample, -time.Second)
	_, ok = mc.Get(NameKey("old"))
	assert.False(t, ok, "expired entries must not be returned")

	mc.Delete(TypeKey("ip"))
	_, ok = mc.Get(TypeKey("ip"))
	assert.False(t, ok)
}

func TestMemoryCacheEviction(t *testing.T) {
	mc := NewMemoryCache(2)
	defer mc.Close()

	mc.Set("a", sample, time.Minute)
	mc.Set("b", sample, time.Hour)
	mc.Set("c", sample, time.Hour)

	assert.Equal(t, 2, mc.Len())
	_, ok := mc.Get("a")
	assert.False(t, ok, "entry closest to expiry is evicted first")
	_, ok = mc.Get("c")
	assert.True(t, ok)
}

func TestManagerFallsBackToMemory(t *testing.T) {
	m := NewManager(true, "redis://127.0.0.1:1/0", 10, nil)
	defer m.Close()

	_, ok := m.Get(TypeKey("ip"))
	assert.False(t, ok)

	m.Set(TypeKey("ip"), sample, time.Hour)
	got, ok := m.Get(TypeKey("ip"))
	require.True(t, ok)
	assert.Equal(t, "a1", got[0].ID)

	hits, misses, ratio := m.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.InDelta(t, 0.5, ratio, 0.0001)
}

func TestManagerPromotesFallbackHits(t *testing.T) {
	primary := NewMemoryCache(10)
	fallback := NewMemoryCache(10)
	m := NewManagerWith(primary, fallback)
	defer m.Close()

	fallback.Set(NameKey("x"), sample, time.Hour)
	_, ok := m.Get(NameKey("x"))
	require.True(t, ok)

	_, ok = primary.Get(NameKey("x"))
	assert.True(t, ok, "fallback hit is copied into primary")
}

func TestManagerPromotionKeepsConfiguredTTL(t *testing.T) {
	primary := NewMemoryCache(10)
	fallback := NewMemoryCache(10)
	m := NewManagerWith(primary, fallback)
	defer m.Close()

	m.Set(TypeKey("ip"), sample, 2*time.Minute)
	primary.Delete(TypeKey("ip"))

	_, ok := m.Get(TypeKey("ip"))
	require.True(t, ok)

	primary.mu.RLock()
	e := primary.data[TypeKey("ip")]
	primary.mu.RUnlock()
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), e.expiry, 5*time.Second)
}
