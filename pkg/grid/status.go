package grid

import "fmt"

// ShardStatus is a point-in-time ranking snapshot of one shard. Built fresh
// for every selection pass, never cached.
type ShardStatus struct {
	Shard         Shard
	DataSizeBytes int64
	Version       string
}

// Less orders candidates for new-data placement: smaller data size wins, and
// equal sizes fall back to the lexicographically smaller shard name so the
// outcome never depends on map iteration order.
func (s ShardStatus) Less(other ShardStatus) bool {
	if s.DataSizeBytes != other.DataSizeBytes {
		return s.DataSizeBytes < other.DataSizeBytes
	}
	return s.Shard.Name() < other.Shard.Name()
}

func (s ShardStatus) String() string {
	return fmt.Sprintf("shard: %v, data size: %d bytes, version: %s", s.Shard, s.DataSizeBytes, s.Version)
}
