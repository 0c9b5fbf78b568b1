package grid

import (
	"context"
	"sync"
	"testing"

	"github.com/doublecloud/gridtopo/internal/logger"
	"github.com/doublecloud/gridtopo/pkg/connstring"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.ytsaurus.tech/library/go/core/metrics/solomon"
	"golang.org/x/xerrors"
)

type fakeCatalog struct {
	mu      sync.Mutex
	records []ShardRecord
	err     error
	calls   int
}

func (c *fakeCatalog) GetAllShards(_ context.Context) ([]ShardRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]ShardRecord(nil), c.records...), nil
}

func (c *fakeCatalog) setRecords(records ...ShardRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = records
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeExecutor struct {
	versions map[string]string
	sizes    map[string]interface{}
	hello    map[string]bson.D
	failures map[string]bson.D
	errs     map[string]error
	calls    map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		versions: map[string]string{},
		sizes:    map[string]interface{}{},
		hello:    map[string]bson.D{},
		failures: map[string]bson.D{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (e *fakeExecutor) setStatus(address string, size interface{}, version string) {
	e.sizes[address] = size
	e.versions[address] = version
}

func rawDoc(doc bson.D) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

func (e *fakeExecutor) Execute(_ context.Context, address, _ string, cmd bson.D) (bson.Raw, bool, error) {
	e.calls[address]++
	if err := e.errs[address]; err != nil {
		return nil, false, err
	}
	if reply, ok := e.failures[address]; ok {
		return rawDoc(reply), false, nil
	}
	if len(cmd) == 0 {
		return nil, false, xerrors.New("empty command")
	}
	switch cmd[0].Key {
	case "serverStatus":
		reply := bson.D{{Key: "ok", Value: 1}}
		if version, ok := e.versions[address]; ok && version != "" {
			reply = append(reply, bson.E{Key: "version", Value: version})
		}
		return rawDoc(reply), true, nil
	case "listDatabases":
		reply := bson.D{{Key: "ok", Value: 1}}
		if size, ok := e.sizes[address]; ok {
			reply = append(reply, bson.E{Key: "totalSize", Value: size})
		}
		return rawDoc(reply), true, nil
	case "hello":
		if reply, ok := e.hello[address]; ok {
			return rawDoc(reply), true, nil
		}
		return nil, false, xerrors.Errorf("no hello reply for %q", address)
	default:
		return rawDoc(bson.D{{Key: "ok", Value: 1}}), true, nil
	}
}

func testDeps(exec CommandExecutor, monitors Monitors) ShardDeps {
	return ShardDeps{Executor: exec, Monitors: monitors}
}

func newTestRegistry(catalog CatalogClient, deps ShardDeps) *ShardRegistry {
	return NewShardRegistry(catalog, deps, logger.Log, solomon.NewRegistry(solomon.NewRegistryOpts()))
}

func TestReloadPreservesConfigEntry(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "old", Host: "old:27018"})
	registry := newTestRegistry(catalog, deps)

	configShard, err := NewShard(ConfigShardName, "cfg1:27019", 0, false, deps)
	require.NoError(t, err)
	registry.Install(ConfigShardName, configShard, true, false)
	require.NoError(t, registry.Reload(context.Background()))

	// the catalog never mentions "config", and the old shard disappears
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "shard0:27018"})
	require.NoError(t, registry.Reload(context.Background()))

	found, err := registry.Find(ConfigShardName)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.True(t, found.Equal(configShard))

	gone, err := registry.Find("old")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := registry.Find("shard0")
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestMultiKeyFanout(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	byName, err := registry.Find("shard0")
	require.NoError(t, err)
	require.NotNil(t, byName)

	for _, ident := range []string{"h1:27017", "h2:27017", "rs0/h1:27017,h2:27017"} {
		found, err := registry.Find(ident)
		require.NoError(t, err, ident)
		require.NotNil(t, found, ident)
		require.True(t, found.Equal(*byName), ident)
	}

	bySet := registry.LookupReplicaSetName("rs0")
	require.NotNil(t, bySet)
	require.True(t, bySet.Equal(*byName))
}

func TestRemovePurgesAllKeys(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	registry.Remove("shard0")

	for _, ident := range []string{"shard0", "h1:27017", "h2:27017"} {
		found, err := registry.Find(ident)
		require.NoError(t, err, ident)
		require.Nil(t, found, ident)
	}
	require.Nil(t, registry.LookupReplicaSetName("rs0"))
}

func TestFindWithRetryBound(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "shard0:27018"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))
	reloadsBefore := registry.ReloadCount()
	callsBefore := catalog.callCount()

	found, err := registry.FindWithRetry(context.Background(), "absent")
	require.Nil(t, found)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, ErrShardNotFound))

	// exactly one reload attempt per miss, never a loop
	require.Equal(t, reloadsBefore+1, registry.ReloadCount())
	require.Equal(t, callsBefore+1, catalog.callCount())
}

func TestFindIfExists(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	registry := newTestRegistry(catalog, deps)

	t.Run("absent is soft", func(t *testing.T) {
		found, err := registry.FindIfExists(context.Background(), "nope")
		require.NoError(t, err)
		require.Nil(t, found)
		require.Equal(t, 1, catalog.callCount())
	})

	t.Run("found after reload", func(t *testing.T) {
		catalog.setRecords(ShardRecord{Name: "shard0", Host: "shard0:27018"})
		found, err := registry.FindIfExists(context.Background(), "shard0")
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, "shard0:27018", found.Address())
	})
}

func TestFindParseError(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	registry := newTestRegistry(&fakeCatalog{}, deps)

	_, err := registry.Find("/missing-set-name")
	require.Error(t, err)
	require.True(t, xerrors.Is(err, connstring.ErrInvalid))
}

func TestReloadFailureKeepsIndex(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "shard0:27018"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	t.Run("fetch failure", func(t *testing.T) {
		catalog.mu.Lock()
		catalog.err = xerrors.New("config server down")
		catalog.mu.Unlock()
		require.Error(t, registry.Reload(context.Background()))
	})

	t.Run("validation failure", func(t *testing.T) {
		catalog.mu.Lock()
		catalog.err = nil
		catalog.mu.Unlock()
		catalog.setRecords(ShardRecord{Name: "", Host: "h:27017"})
		require.Error(t, registry.Reload(context.Background()))
	})

	found, err := registry.Find("shard0")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestSnapshotDedupsAndSkipsConfig(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(
		ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"},
		ShardRecord{Name: "shard1", Host: "shard1:27018"},
	)
	registry := newTestRegistry(catalog, deps)

	configShard, err := NewShard(ConfigShardName, "cfg1:27019", 0, false, deps)
	require.NoError(t, err)
	registry.Install(ConfigShardName, configShard, true, false)
	require.NoError(t, registry.Reload(context.Background()))

	all := registry.AllShards()
	names := map[string]int{}
	for _, shard := range all {
		names[shard.Name()]++
	}
	require.Equal(t, map[string]int{"shard0": 1, "shard1": 1}, names)
}

func TestContainsAddress(t *testing.T) {
	monitors := NewMonitorRegistry()
	deps := testDeps(newFakeExecutor(), monitors)
	catalog := &fakeCatalog{}
	catalog.setRecords(
		ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"},
		ShardRecord{Name: "shard1", Host: "shard1:27018"},
	)
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	require.True(t, registry.ContainsAddress("shard1:27018"))
	require.True(t, registry.ContainsAddress("h1:27017"))
	require.False(t, registry.ContainsAddress("stranger:27017"))

	// a member known to the monitor but not yet indexed still counts
	monitors.Register("rs0", []string{"h1:27017", "h2:27017", "h3:27017"})
	require.True(t, registry.ContainsAddress("h3:27017"))
}

func TestReloadNeverExposesPartialReplicaSetIndex(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := registry.Reload(context.Background()); err != nil {
				return
			}
		}
	}()

	// rs0 is listed before, during and after every reload, so a set-name
	// reader must never catch the secondary index half rebuilt
	reads := 0
	misses := 0
	for {
		select {
		case <-done:
			require.Zero(t, misses, "%d of %d set-name lookups missed mid-reload", misses, reads)
			return
		default:
			reads++
			if registry.LookupReplicaSetName("rs0") == nil {
				misses++
			}
		}
	}
}

func TestExportMap(t *testing.T) {
	deps := testDeps(newFakeExecutor(), NewMonitorRegistry())
	catalog := &fakeCatalog{}
	catalog.setRecords(ShardRecord{Name: "shard0", Host: "rs0/h1:27017,h2:27017"})
	registry := newTestRegistry(catalog, deps)
	require.NoError(t, registry.Reload(context.Background()))

	m := registry.ExportMap()
	require.Equal(t, map[string]string{
		"shard0":                "rs0/h1:27017,h2:27017",
		"rs0/h1:27017,h2:27017": "rs0/h1:27017,h2:27017",
		"h1:27017":              "rs0/h1:27017,h2:27017",
		"h2:27017":              "rs0/h1:27017,h2:27017",
	}, m)
}
