package mssql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatementCacheLookupMiss(t *testing.T) {
	c := newStatementCache(2)
	_, ok := c.lookup("SELECT 1")
	require.False(t, ok)
}

func TestStatementCacheInsertThenLookup(t *testing.T) {
	c := newStatementCache(2)
	_, hadEviction := c.insert("SELECT 1", preparedHandle(10))
	require.False(t, hadEviction)

	h, ok := c.lookup("SELECT 1")
	require.True(t, ok)
	require.Equal(t, preparedHandle(10), h)
}

func TestStatementCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newStatementCache(2)
	c.insert("A", preparedHandle(1))
	c.insert("B", preparedHandle(2))

	// Touch A so B becomes the least recently used entry.
	_, _ = c.lookup("A")

	evicted, had := c.insert("C", preparedHandle(3))
	require.True(t, had)
	require.Equal(t, preparedHandle(2), evicted)

	_, ok := c.lookup("B")
	require.False(t, ok)
	_, ok = c.lookup("A")
	require.True(t, ok)
	_, ok = c.lookup("C")
	require.True(t, ok)
}

func TestStatementCacheInsertSameSQLUpdatesHandle(t *testing.T) {
	c := newStatementCache(4)
	c.insert("SELECT 1", preparedHandle(1))
	_, had := c.insert("SELECT 1", preparedHandle(2))
	require.False(t, had)

	h, ok := c.lookup("SELECT 1")
	require.True(t, ok)
	require.Equal(t, preparedHandle(2), h)
}

func TestStatementCacheClear(t *testing.T) {
	c := newStatementCache(4)
	c.insert("SELECT 1", preparedHandle(1))
	c.clear()
	_, ok := c.lookup("SELECT 1")
	require.False(t, ok)
}

func TestHashSQLStable(t *testing.T) {
	require.Equal(t, hashSQL("SELECT 1"), hashSQL("SELECT 1"))
	require.NotEqual(t, hashSQL("SELECT 1"), hashSQL("SELECT 2"))
}

func TestNewStatementCacheDefaultsNonPositiveSize(t *testing.T) {
	c := newStatementCache(0)
	require.Equal(t, defaultStatementCacheSize, c.size)
}
