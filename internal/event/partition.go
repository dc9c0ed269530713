package event

import "github.com/cespare/xxhash/v2"

// Partition maps a partition key onto one of n partitions. Messages with the
// same key always land on the same partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
