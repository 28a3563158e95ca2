package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/layerkv/cache/pkg/utils"
)

// shardRing assigns a storage key to one of a fixed set of shards via
// consistent hashing with virtual nodes (pkg/utils.HashRing), trading a
// strict key%numShards split for the property that adding a shard (which
// this backend never does at runtime) would only reshuffle a fraction of
// keys rather than all of them.
type shardRing struct {
	ring     *utils.HashRing
	numShard int
}

const ringReplicas = 64

func newShardRing(numShards int) *shardRing {
	r := &shardRing{ring: utils.NewHashRing(ringReplicas), numShard: numShards}
	for i := 0; i < numShards; i++ {
		r.addShard(i)
	}
	return r
}

func (r *shardRing) addShard(shard int) {
	_ = r.ring.AddNode(shardNodeID(shard), 1)
}

func shardNodeID(shard int) string {
	return fmt.Sprintf("shard-%d", shard)
}

// shardFor returns the shard index responsible for key.
func (r *shardRing) shardFor(key string) int {
	node := r.ring.GetNode(key)
	if node == "" {
		return 0
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(node, "shard-"))
	if err != nil {
		return 0
	}
	return idx
}
