package grid

import (
	"context"
	"time"

	"go.ytsaurus.tech/library/go/core/log"
	"golang.org/x/xerrors"
)

// PickShard returns the best shard for new-data placement. When a non-empty
// current shard is supplied it seeds the comparison, so the caller only moves
// off it for a strictly better candidate. An empty registry gets one reload;
// a cluster with no shards at all yields the EMPTY sentinel.
func (r *ShardRegistry) PickShard(ctx context.Context, current Shard) (Shard, error) {
	start := time.Now()
	defer func() {
		r.stats.PickElapsed.RecordDuration(time.Since(start))
	}()

	all := r.AllShards()
	if len(all) == 0 {
		if err := r.Reload(ctx); err != nil {
			return Shard{}, xerrors.Errorf("cannot reload empty shard registry: %w", err)
		}
		all = r.AllShards()
		if len(all) == 0 {
			return Shard{}, nil
		}
	}

	// if current shard was provided, pick a different shard only if it is
	// a better choice
	seed := all[0]
	if !current.IsEmpty() {
		seed = current
	}
	best, err := seed.Status(ctx)
	if err != nil {
		return Shard{}, err
	}

	for _, shard := range all {
		status, err := shard.Status(ctx)
		if err != nil {
			return Shard{}, err
		}
		if status.Less(best) {
			best = status
		}
	}

	r.lgr.Debug("best shard for new allocation", log.String("shard", best.Shard.Name()), log.Int64("data_size_bytes", best.DataSizeBytes))
	return best.Shard, nil
}
