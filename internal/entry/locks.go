package entry

import (
	"hash/fnv"
	"sync"

	"github.com/synche-io/synche/internal/store"
)

const lockShards = 64

// keyedLocks serializes mutations per entry key. Sharded so unrelated keys
// rarely contend; a shard collision only costs serialization, never safety.
type keyedLocks struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedLocks) Lock(key store.Key) func() {
	h := fnv.New32a()
	h.Write([]byte(key.Dir))
	h.Write([]byte{0})
	h.Write([]byte(key.Path))
	mu := &k.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}
