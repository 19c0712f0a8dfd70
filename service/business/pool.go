package business

import (
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// ErrConnectionPoolFull is returned when the pool is at capacity.
var ErrConnectionPoolFull = errors.New("connection pool is full")

// poolShardCount must be a power of 2 so shard selection can use a mask.
const poolShardCount = 32

type poolShard struct {
	mu          sync.RWMutex
	connections map[string]Connection
}

// connectionPool indexes active connections by connection ID, sharded to keep
// lock contention low under heavy connect/disconnect churn. Size tracking is
// a lock-free atomic.
type connectionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32 // Atomic access
}

func newConnectionPool(maxSize int32) *connectionPool {
	pool := &connectionPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 64
	shardCapacity := int(maxSize) / poolShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			connections: make(map[string]Connection, shardCapacity),
		}
	}

	return pool
}

func (p *connectionPool) getShard(key string) *poolShard {
	h := maphash.String(p.hashSeed, key)
	return p.shards[h&(poolShardCount-1)]
}

// add inserts a connection. An existing connection with the same key is left
// in place. Returns ErrConnectionPoolFull at capacity.
func (p *connectionPool) add(conn Connection) error {
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return ErrConnectionPoolFull
	}

	key := conn.Metadata().Key()
	shard := p.getShard(key)

	shard.mu.Lock()
	if _, exists := shard.connections[key]; !exists {
		shard.connections[key] = conn
		atomic.AddInt32(&p.currentSize, 1)
	}
	shard.mu.Unlock()
	return nil
}

func (p *connectionPool) get(key string) (Connection, bool) {
	shard := p.getShard(key)

	shard.mu.RLock()
	conn, exists := shard.connections[key]
	shard.mu.RUnlock()
	return conn, exists
}

// remove deletes and returns the connection for key, or nil when it was
// already gone. Returning the removed value lets teardown stay idempotent.
func (p *connectionPool) remove(key string) Connection {
	shard := p.getShard(key)

	shard.mu.Lock()
	conn, exists := shard.connections[key]
	if exists {
		delete(shard.connections, key)
		atomic.AddInt32(&p.currentSize, -1)
	}
	shard.mu.Unlock()

	if !exists {
		return nil
	}
	return conn
}

func (p *connectionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach calls fn for every connection. Each shard is snapshotted under its
// read lock so fn runs without any pool locks held.
func (p *connectionPool) forEach(fn func(Connection)) {
	var allConns []Connection

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.connections {
			allConns = append(allConns, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range allConns {
		fn(conn)
	}
}
