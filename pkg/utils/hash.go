// Package utils provides utility functions for the caching system.
//
// This file implements a consistent hashing ring with virtual nodes, used
// to stripe keys across a fixed set of in-process shards.
//
// Design Notes:
//   - Uses FNV-1a 64-bit hash (stdlib, fast) followed by a finalizer mix
//     for good distribution
//   - Virtual nodes (replicas) improve load distribution across shards
//   - Thread-safe via sync.RWMutex
//   - O(log M) lookup complexity where M = total virtual nodes
//   - Sorted ring positions for binary search
//
// Trade-offs:
//   - Memory: O(N * replicas) where N = number of shards
//   - CPU: AddNode O(replicas * log M), GetNode O(log M)
//   - Distribution uniformity improves with more replicas (default: 150)
package utils

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of virtual nodes per shard.
// More replicas = better distribution but more memory and slower adds.
const DefaultReplicas = 150

// HashRing implements a consistent hashing ring with virtual nodes, used to
// assign keys to a fixed set of shards.
//
// Example usage:
//
//	ring := NewHashRing(64)
//	ring.AddNode("shard-0", 1)
//	ring.AddNode("shard-1", 1)
//
//	shard := ring.GetNode("widget:42")  // Returns "shard-0"
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64          // Sorted ring positions
	ring     map[uint64]string // Hash -> node ID mapping
}

// NewHashRing creates a new consistent hash ring.
// replicas determines the number of virtual nodes per shard.
// Use 0 for default (150 replicas).
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	return &HashRing{
		replicas: replicas,
		ring:     make(map[uint64]string),
	}
}

// AddNode adds a shard to the ring with the given weight.
// Weight determines the number of virtual nodes (replicas * weight).
// Weight must be > 0 (default: 1).
//
// Complexity: O(replicas * weight * log M) where M = total virtual nodes
func (h *HashRing) AddNode(nodeID string, weight int) error {
	if nodeID == "" {
		return fmt.Errorf("nodeID cannot be empty")
	}
	if weight <= 0 {
		weight = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	virtualNodes := h.replicas * weight
	for i := 0; i < virtualNodes; i++ {
		hash := h.hashKey(fmt.Sprintf("%s:%d", nodeID, i))
		h.ring[hash] = nodeID
		h.keys = append(h.keys, hash)
	}

	sort.Slice(h.keys, func(i, j int) bool {
		return h.keys[i] < h.keys[j]
	})

	return nil
}

// GetNode returns the shard responsible for the given key.
// Returns empty string if the ring has no shards.
//
// Complexity: O(log M) where M = total virtual nodes
func (h *HashRing) GetNode(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.keys) == 0 {
		return ""
	}

	hash := h.hashKey(key)

	// Binary search for first node >= hash
	idx := sort.Search(len(h.keys), func(i int) bool {
		return h.keys[i] >= hash
	})

	// Wrap around if we're past the end
	if idx == len(h.keys) {
		idx = 0
	}

	return h.ring[h.keys[idx]]
}

// hashKey computes FNV-1a 64-bit hash of the key, then passes it through a
// 64-bit finalizer mix so that keys differing only in their last bytes land
// far apart on the ring.
func (h *HashRing) hashKey(key string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))
	x := hasher.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
