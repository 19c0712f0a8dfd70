package business

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPoolConnection(connID string) Connection {
	return NewConnection(newFakeStream(), testMetadata(connID, "user-"+connID))
}

func TestConnectionPool_AddGetRemove(t *testing.T) {
	pool := newConnectionPool(100)

	conn := newPoolConnection("conn1")
	require.NoError(t, pool.add(conn))
	assert.Equal(t, int32(1), pool.size())

	got, ok := pool.get("conn1")
	require.True(t, ok)
	assert.Equal(t, conn, got)

	removed := pool.remove("conn1")
	assert.Equal(t, conn, removed)
	assert.Equal(t, int32(0), pool.size())

	_, ok = pool.get("conn1")
	assert.False(t, ok)
}

func TestConnectionPool_RemoveMissingReturnsNil(t *testing.T) {
	pool := newConnectionPool(100)
	assert.Nil(t, pool.remove("never-added"))
	assert.Equal(t, int32(0), pool.size())
}

func TestConnectionPool_AddDoesNotReplace(t *testing.T) {
	pool := newConnectionPool(100)

	first := newPoolConnection("conn1")
	second := NewConnection(newFakeStream(), testMetadata("conn1", "other"))

	require.NoError(t, pool.add(first))
	require.NoError(t, pool.add(second))

	got, ok := pool.get("conn1")
	require.True(t, ok)
	assert.Equal(t, first, got)
	assert.Equal(t, int32(1), pool.size())
}

func TestConnectionPool_FullPoolRejects(t *testing.T) {
	pool := newConnectionPool(2)

	require.NoError(t, pool.add(newPoolConnection("conn1")))
	require.NoError(t, pool.add(newPoolConnection("conn2")))

	err := pool.add(newPoolConnection("conn3"))
	assert.ErrorIs(t, err, ErrConnectionPoolFull)
	assert.Equal(t, int32(2), pool.size())
}

func TestConnectionPool_ForEachVisitsAll(t *testing.T) {
	pool := newConnectionPool(100)

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.add(newPoolConnection(fmt.Sprintf("conn%d", i))))
	}

	seen := make(map[string]bool)
	pool.forEach(func(c Connection) {
		seen[c.Metadata().ConnID] = true
	})
	assert.Len(t, seen, 10)
}

func TestConnectionPool_ConcurrentAccess(t *testing.T) {
	pool := newConnectionPool(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn%d", n)
			_ = pool.add(newPoolConnection(connID))
			pool.get(connID)
			pool.remove(connID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(0), pool.size())
}
