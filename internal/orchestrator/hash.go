package orchestrator

import "hash/fnv"

// CacheKey computes the deterministic 32-bit root cache key spec.md
// §4.5 specifies, narrowed from the teacher's fnv64a use to fnv32a.
func CacheKey(query string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	return h.Sum32()
}
