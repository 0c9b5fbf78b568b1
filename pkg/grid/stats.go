package grid

import (
	"time"

	"go.ytsaurus.tech/library/go/core/metrics"
)

type RegistryStats struct {
	registry metrics.Registry

	Reloads     metrics.Counter
	Hits        metrics.Counter
	Misses      metrics.Counter
	PickElapsed metrics.Timer
}

func NewRegistryStats(r metrics.Registry) *RegistryStats {
	rWT := r.WithTags(map[string]string{"component": "shard_registry"})
	return &RegistryStats{
		registry: rWT,

		Reloads:     rWT.Counter("registry.reloads"),
		Hits:        rWT.Counter("registry.lookup.hits"),
		Misses:      rWT.Counter("registry.lookup.misses"),
		PickElapsed: rWT.DurationHistogram("registry.pick.elapsed", pickDurationBuckets()),
	}
}

// pickDurationBuckets covers a selection pass: one status poll per shard,
// each a remote round trip.
func pickDurationBuckets() metrics.DurationBuckets {
	return metrics.NewDurationBuckets(
		10*time.Millisecond,
		50*time.Millisecond,
		100*time.Millisecond,
		250*time.Millisecond,
		500*time.Millisecond,
		1*time.Second,
		2*time.Second,
		5*time.Second,
		10*time.Second,
		30*time.Second,
	)
}
