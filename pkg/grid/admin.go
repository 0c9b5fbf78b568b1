package grid

import (
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// GetShardMapCommand is the read-only diagnostic command surfaced to the
// administrative dispatch layer: a flat dump of the identifier index. Safe to
// run on any registry state.
type GetShardMapCommand struct {
	Registry *ShardRegistry
}

func (c GetShardMapCommand) Name() string {
	return "getShardMap"
}

func (c GetShardMapCommand) AdminOnly() bool {
	return true
}

// RequiredPrivilege names the cluster-level action the dispatch layer has to
// authorize before running the command.
func (c GetShardMapCommand) RequiredPrivilege() string {
	return "getShardMap"
}

func (c GetShardMapCommand) Run(_ context.Context) (bson.D, error) {
	exported := c.Registry.ExportMap()
	keys := make([]string, 0, len(exported))
	for key := range exported {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	m := make(bson.D, 0, len(keys))
	for _, key := range keys {
		m = append(m, bson.E{Key: key, Value: exported[key]})
	}
	return bson.D{{Key: "map", Value: m}}, nil
}
