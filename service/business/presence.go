package business

import (
	"sync"
	"sync/atomic"

	"github.com/taskhive/service-realtime/internal"
)

const presenceShardCount = 32

// PresenceRegistry tracks which users currently hold at least one
// authenticated connection. A user is online exactly while their connection
// set is non-empty; the entry is removed the moment the last connection
// deactivates.
type PresenceRegistry interface {
	Activate(userID, connID string)
	Deactivate(userID, connID string)
	IsOnline(userID string) bool
	ConnectionCount(userID string) int
	OnlineUsers() int32
}

type presenceShard struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{} // userID -> set of connIDs
}

type presenceRegistry struct {
	shards      [presenceShardCount]*presenceShard
	onlineUsers int32 // Atomic access
}

// NewPresenceRegistry creates an in-memory sharded presence registry.
func NewPresenceRegistry() PresenceRegistry {
	r := &presenceRegistry{}
	for i := range presenceShardCount {
		r.shards[i] = &presenceShard{
			entries: make(map[string]map[string]struct{}),
		}
	}
	return r
}

func (r *presenceRegistry) shard(userID string) *presenceShard {
	return r.shards[internal.ShardForKey(userID, presenceShardCount)]
}

// Activate records connID against userID, creating the presence entry on the
// user's first connection. Re-activating the same pair is a no-op.
func (r *presenceRegistry) Activate(userID, connID string) {
	shard := r.shard(userID)

	shard.mu.Lock()
	set, exists := shard.entries[userID]
	if !exists {
		set = make(map[string]struct{}, 2)
		shard.entries[userID] = set
		atomic.AddInt32(&r.onlineUsers, 1)
	}
	set[connID] = struct{}{}
	shard.mu.Unlock()
}

// Deactivate drops connID from userID's entry, deleting the entry when it
// empties. Unknown pairs are a no-op.
func (r *presenceRegistry) Deactivate(userID, connID string) {
	shard := r.shard(userID)

	shard.mu.Lock()
	set, exists := shard.entries[userID]
	if exists {
		delete(set, connID)
		if len(set) == 0 {
			delete(shard.entries, userID)
			atomic.AddInt32(&r.onlineUsers, -1)
		}
	}
	shard.mu.Unlock()
}

func (r *presenceRegistry) IsOnline(userID string) bool {
	shard := r.shard(userID)

	shard.mu.RLock()
	_, online := shard.entries[userID]
	shard.mu.RUnlock()
	return online
}

func (r *presenceRegistry) ConnectionCount(userID string) int {
	shard := r.shard(userID)

	shard.mu.RLock()
	n := len(shard.entries[userID])
	shard.mu.RUnlock()
	return n
}

func (r *presenceRegistry) OnlineUsers() int32 {
	return atomic.LoadInt32(&r.onlineUsers)
}
