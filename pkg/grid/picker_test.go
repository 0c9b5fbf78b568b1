package grid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func pickerFixture(t *testing.T, sizes map[string]int64) (*ShardRegistry, *fakeExecutor, *fakeCatalog) {
	exec := newFakeExecutor()
	records := make([]ShardRecord, 0, len(sizes))
	for name, size := range sizes {
		addr := name + ":27018"
		exec.setStatus(addr, size, "3.0.6")
		records = append(records, ShardRecord{Name: name, Host: addr})
	}
	catalog := &fakeCatalog{}
	catalog.setRecords(records...)
	registry := newTestRegistry(catalog, testDeps(exec, NewMonitorRegistry()))
	require.NoError(t, registry.Reload(context.Background()))
	return registry, exec, catalog
}

func TestPickMovesToStrictlyBetterShard(t *testing.T) {
	registry, _, _ := pickerFixture(t, map[string]int64{
		"current": 500,
		"big":     700,
		"small":   300,
	})
	current, err := registry.FindCopy(context.Background(), "current")
	require.NoError(t, err)

	picked, err := registry.PickShard(context.Background(), current)
	require.NoError(t, err)
	require.Equal(t, "small", picked.Name())
}

func TestPickKeepsCurrentWhenNothingBetter(t *testing.T) {
	registry, _, _ := pickerFixture(t, map[string]int64{
		"current": 500,
		"big":     700,
		"bigger":  900,
	})
	current, err := registry.FindCopy(context.Background(), "current")
	require.NoError(t, err)

	picked, err := registry.PickShard(context.Background(), current)
	require.NoError(t, err)
	require.Equal(t, "current", picked.Name())
}

func TestPickWithoutCurrent(t *testing.T) {
	registry, _, _ := pickerFixture(t, map[string]int64{
		"big":   700,
		"small": 300,
	})

	picked, err := registry.PickShard(context.Background(), Shard{})
	require.NoError(t, err)
	require.Equal(t, "small", picked.Name())
}

func TestPickEmptyClusterReloadsOnce(t *testing.T) {
	catalog := &fakeCatalog{}
	registry := newTestRegistry(catalog, testDeps(newFakeExecutor(), NewMonitorRegistry()))

	picked, err := registry.PickShard(context.Background(), Shard{})
	require.NoError(t, err)
	require.True(t, picked.IsEmpty())
	require.Equal(t, 1, catalog.callCount())
}

func TestPickFindsShardsAfterForcedReload(t *testing.T) {
	exec := newFakeExecutor()
	exec.setStatus("shard0:27018", int64(100), "3.0.6")
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "shard0:27018"})
	registry := newTestRegistry(catalog, testDeps(exec, NewMonitorRegistry()))

	// registry starts empty, the pick itself populates it
	picked, err := registry.PickShard(context.Background(), Shard{})
	require.NoError(t, err)
	require.Equal(t, "shard0", picked.Name())
}

func TestPickPollsEachShardOnce(t *testing.T) {
	exec := newFakeExecutor()
	exec.setStatus("other:27018", int64(700), "3.0.6")
	exec.setStatus("current:27018", int64(500), "3.0.6")
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "other", Host: "other:27018"})
	registry := newTestRegistry(catalog, testDeps(exec, NewMonitorRegistry()))
	require.NoError(t, registry.Reload(context.Background()))

	current, err := NewShard("current", "current:27018", 0, false, testDeps(exec, NewMonitorRegistry()))
	require.NoError(t, err)

	picked, err := registry.PickShard(context.Background(), current)
	require.NoError(t, err)
	require.Equal(t, "current", picked.Name())

	// one status poll (listDatabases + serverStatus) per shard: the seed
	// comes from current, not from an extra poll of the first snapshot entry
	require.Equal(t, 2, exec.calls["other:27018"])
	require.Equal(t, 2, exec.calls["current:27018"])
}

func TestPickSurfacesPollFailures(t *testing.T) {
	registry, exec, _ := pickerFixture(t, map[string]int64{
		"healthy": 100,
		"dark":    200,
	})
	exec.errs["dark:27018"] = xerrors.New("connection refused")

	_, err := registry.PickShard(context.Background(), Shard{})
	require.Error(t, err)
}
