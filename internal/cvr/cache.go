package cvr

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxClientGroups   = 10000
	defaultSnapshotsPerGroup = 4
	defaultSnapshotTTL       = 24 * time.Hour
)

// CacheConfig bounds the snapshot cache.
type CacheConfig struct {
	// MaxClientGroups caps how many client groups keep snapshots; the least recently used group is evicted first.
	MaxClientGroups int
	// SnapshotsPerGroup caps the snapshot lineage retained for one client group.
	SnapshotsPerGroup int
	// TTL expires a client group's snapshots after its last write.
	TTL time.Duration
}

// Cache remembers recently issued CVRs per client group. A miss is always safe: the
// caller treats it as an empty base record and the client receives a full resync.
type Cache struct {
	mu       sync.Mutex
	groups   *expirable.LRU[string, []snapshot]
	perGroup int
}

type snapshot struct {
	id     string
	record CVR
}

// NewCache constructs a bounded cache, substituting defaults for non-positive limits.
func NewCache(cfg CacheConfig) *Cache {
	maxGroups := cfg.MaxClientGroups
	if maxGroups <= 0 {
		maxGroups = defaultMaxClientGroups
	}
	perGroup := cfg.SnapshotsPerGroup
	if perGroup <= 0 {
		perGroup = defaultSnapshotsPerGroup
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &Cache{
		groups:   expirable.NewLRU[string, []snapshot](maxGroups, nil, ttl),
		perGroup: perGroup,
	}
}

// Get returns the snapshot stored under snapshotID for the client group.
func (c *Cache) Get(clientGroupID, snapshotID string) (CVR, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshots, ok := c.groups.Get(clientGroupID)
	if !ok {
		return nil, false
	}
	for _, stored := range snapshots {
		if stored.id == snapshotID {
			return stored.record, true
		}
	}
	return nil, false
}

// Put stores record under snapshotID, dropping the oldest snapshots of the group beyond the limit.
// Stored records must not be mutated afterwards.
func (c *Cache) Put(clientGroupID, snapshotID string, record CVR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, _ := c.groups.Peek(clientGroupID)
	start := 0
	if len(existing)+1 > c.perGroup {
		start = len(existing) + 1 - c.perGroup
	}
	snapshots := make([]snapshot, 0, len(existing)-start+1)
	snapshots = append(snapshots, existing[start:]...)
	snapshots = append(snapshots, snapshot{id: snapshotID, record: record})
	c.groups.Add(clientGroupID, snapshots)
}

// Len reports how many client groups currently hold snapshots.
func (c *Cache) Len() int {
	return c.groups.Len()
}
