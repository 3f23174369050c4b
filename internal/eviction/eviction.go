// Package eviction implements approximate-LRU eviction: when the store
// is over its memory budget, repeatedly sample a small number of keys
// and evict whichever sampled key is least recently used, until the
// store is back under budget or empty.
package eviction

import "go.uber.org/zap"

// sampleSize is the number of keys considered per eviction decision,
// matching the original's CK_EVICTION_SAMPLES.
const sampleSize = 5

// Store is the subset of store.Store's surface eviction needs. Keeping
// it as a narrow interface (rather than importing package store
// directly) keeps this package independent of the store and lets tests
// exercise the policy against a fake.
type Store interface {
	Len() int
	UsedMemory() int64
	MaxMemory() int64
	RandomKeyLastAccess() (key string, lastAccess int64, ok bool)
	EvictKey(key string)
}

// Run evicts keys from s until UsedMemory is at or below MaxMemory, or
// the store runs out of keys. MaxMemory == 0 means no budget is
// enforced and Run is a no-op. It returns the number of keys evicted.
func Run(s Store, log *zap.Logger) int {
	if log == nil {
		log = zap.NewNop()
	}
	if s.MaxMemory() <= 0 {
		return 0
	}

	evicted := 0
	for s.UsedMemory() > s.MaxMemory() && s.Len() > 0 {
		key, ok := sampleOldest(s)
		if !ok {
			break
		}
		s.EvictKey(key)
		evicted++
	}

	if evicted > 0 {
		log.Debug("eviction cycle complete",
			zap.Int("evicted", evicted),
			zap.Int64("used_memory", s.UsedMemory()),
			zap.Int64("max_memory", s.MaxMemory()),
		)
	}
	return evicted
}

// sampleOldest draws up to sampleSize random keys and returns the one
// with the smallest LastAccess timestamp, approximating true LRU
// without the cost of maintaining a global recency list.
func sampleOldest(s Store) (string, bool) {
	var (
		bestKey   string
		bestAt    int64
		haveBest  bool
	)

	for i := 0; i < sampleSize; i++ {
		key, lastAccess, ok := s.RandomKeyLastAccess()
		if !ok {
			break
		}
		if !haveBest || lastAccess < bestAt {
			bestKey, bestAt, haveBest = key, lastAccess, true
		}
	}
	return bestKey, haveBest
}
