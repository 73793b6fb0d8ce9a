package registry

import (
	"fmt"
	"net/netip"
	"testing"

	"marketplace/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpoint(t *testing.T, s string) types.Endpoint {
	t.Helper()
	ep, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ep
}

func TestCacheRejectsZeroCapacity(t *testing.T) {
	_, err := NewCache[string, int](0, nil)
	assert.Error(t, err)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewCache[string, int](3, func(k string, _ int) { evicted = append(evicted, k) })
	require.NoError(t, err)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Reading "a" makes "b" the oldest entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	assert.True(t, c.Put("d", 4))
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []int{3, 1, 4}, c.Values())
}

func TestCacheUpsert(t *testing.T) {
	c, err := NewCache[string, int](2, nil)
	require.NoError(t, err)

	v, existed := c.Upsert("a", func(old int, exists bool) int {
		assert.False(t, exists)
		return old + 1
	})
	assert.Equal(t, 1, v)
	assert.False(t, existed)

	v, existed = c.Upsert("a", func(old int, exists bool) int {
		assert.True(t, exists)
		return old + 1
	})
	assert.Equal(t, 2, v)
	assert.True(t, existed)
	assert.Equal(t, 1, c.Len())
}

func TestRosterTouchOrCreateDeduplicates(t *testing.T) {
	r, err := NewRoster(types.RoleContributor, DefaultCapacity, nil)
	require.NoError(t, err)

	endpoints := []string{"10.0.0.1:4000", "10.0.0.1:4001", "10.0.0.2:5000"}
	for i, s := range endpoints {
		p, isNew := r.TouchOrCreate("c1", endpoint(t, s))
		assert.Equal(t, i == 0, isNew)
		assert.Equal(t, types.RoleContributor, p.Role)
	}

	assert.Equal(t, 1, r.Len())
	p, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, endpoint(t, "10.0.0.2:5000"), p.Endpoint)
	assert.False(t, p.LastSeen.Before(p.FirstSeen))
}

func TestRosterEvictsOldestAtCapacity(t *testing.T) {
	var evicted []types.Participant
	r, err := NewRoster(types.RoleViewer, DefaultCapacity, func(p types.Participant) {
		evicted = append(evicted, p)
	})
	require.NoError(t, err)

	ep := endpoint(t, "127.0.0.1:9000")
	for i := 0; i < DefaultCapacity; i++ {
		r.TouchOrCreate(types.ParticipantID(fmt.Sprintf("v%d", i)), ep)
	}
	// Touch v0 so v1 becomes the least recently used.
	_, ok := r.Get("v0")
	require.True(t, ok)

	r.TouchOrCreate("v-new", ep)

	assert.Equal(t, DefaultCapacity, r.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, types.ParticipantID("v1"), evicted[0].ID)

	_, ok = r.Get("v1")
	assert.False(t, ok)
	_, ok = r.Get("v0")
	assert.True(t, ok)
}

func TestRosterGetMissing(t *testing.T) {
	r, err := NewRoster(types.RoleProducer, 1, nil)
	require.NoError(t, err)

	_, ok := r.Get("nobody")
	assert.False(t, ok)
	assert.Empty(t, r.Values())
}
