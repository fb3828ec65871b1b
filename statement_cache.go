package mssql

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// defaultStatementCacheSize is the default LRU capacity for a connection's
// prepared-statement handle cache.
const defaultStatementCacheSize = 256

// preparedHandle is the server-assigned handle sp_prepare returns, later
// passed to sp_execute/sp_unprepare.
type preparedHandle int32

type stmtCacheEntry struct {
	hash   string
	handle preparedHandle
}

// statementCache maps a SQL text's hash to the server-assigned prepared
// handle sp_prepare returned for it, evicting the least recently used entry
// via sp_unprepare once full. Handles belong to the
// connection, not the driver: a pool reset must Clear() this cache, since
// the server discards every prepared handle on sp_reset_connection.
type statementCache struct {
	mu       sync.Mutex
	size     int
	ll       *list.List // front = most recently used
	elements map[string]*list.Element
}

func newStatementCache(size int) *statementCache {
	if size <= 0 {
		size = defaultStatementCacheSize
	}
	return &statementCache{
		size:     size,
		ll:       list.New(),
		elements: make(map[string]*list.Element),
	}
}

func hashSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// lookup returns the cached handle for sql and marks it most-recently-used.
func (c *statementCache) lookup(sql string) (preparedHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := hashSQL(sql)
	el, ok := c.elements[hash]
	if !ok {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*stmtCacheEntry).handle, true
}

// insert adds sql -> handle, evicting the LRU entry if the cache is full.
// The returned evicted handle (if any) must be unprepared by the caller,
// which holds the connection and can issue sp_unprepare.
func (c *statementCache) insert(sql string, handle preparedHandle) (evicted preparedHandle, hadEviction bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := hashSQL(sql)
	if el, ok := c.elements[hash]; ok {
		el.Value.(*stmtCacheEntry).handle = handle
		c.ll.MoveToFront(el)
		return 0, false
	}
	el := c.ll.PushFront(&stmtCacheEntry{hash: hash, handle: handle})
	c.elements[hash] = el
	if c.ll.Len() > c.size {
		back := c.ll.Back()
		c.ll.Remove(back)
		entry := back.Value.(*stmtCacheEntry)
		delete(c.elements, entry.hash)
		return entry.handle, true
	}
	return 0, false
}

// clear empties the cache without issuing sp_unprepare for anything — used
// when the connection itself is being reset/discarded and every handle on
// it is already invalid.
func (c *statementCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.elements = make(map[string]*list.Element)
}

// prepareAndCache runs sp_prepare for sql if not already cached, returning
// the handle to use for sp_execute. On a cache miss that evicts an older
// entry, the evicted handle is unprepared after the new handle is cached,
// so the server-side handle table doesn't grow unbounded.
func prepareAndCache(sess *tdsSession, cache *statementCache, sql string, params []Param) (preparedHandle, error) {
	if h, ok := cache.lookup(sql); ok {
		return h, nil
	}

	decl, err := declareParams(params)
	if err != nil {
		return 0, err
	}
	full := make([]Param, 0, len(params)+2)
	full = append(full, Param{Name: "handle", Output: true, Value: int32(0)}, Param{Value: decl})
	full = append(full, params...)

	outs := map[string]interface{}{}
	var handleOut int32
	outs["handle"] = &handleOut
	if err := sendRPC(sess, procSpPrepare, 0, full); err != nil {
		return 0, err
	}
	proc := startReading(sess, context.Background(), outs)
	if err := proc.iterateResponse(); err != nil {
		return 0, err
	}

	handle := preparedHandle(handleOut)
	if evicted, had := cache.insert(sql, handle); had {
		_ = unprepare(sess, evicted)
	}
	return handle, nil
}

// unprepare issues sp_unprepare for a handle the cache evicted or the caller
// is explicitly done with.
func unprepare(sess *tdsSession, handle preparedHandle) error {
	return sendRPC(sess, procSpUnprepare, 0, []Param{{Value: int32(handle)}})
}
