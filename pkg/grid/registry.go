package grid

import (
	"context"
	"sync"

	"github.com/doublecloud/gridtopo/pkg/connstring"
	"go.uber.org/atomic"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/metrics"
	"golang.org/x/xerrors"
)

// ConfigShardName is the registry's own bootstrap entry. It is not part of
// the catalog's shard list and survives reloads.
const ConfigShardName = "config"

// ShardRegistry is the process-wide cache of cluster topology. Every shard is
// indexed under its logical name, its raw address and, for replica set backed
// shards, the set name and every member host. Content is advisory cache
// state; the catalog stays the system of record.
type ShardRegistry struct {
	catalog  CatalogClient
	deps     ShardDeps
	lgr      log.Logger
	stats    *RegistryStats
	reloads  atomic.Int64

	// mu guards lookup, rsMu guards rsLookup. Lock order is always
	// mu before rsMu; rsMu is never held while acquiring mu.
	mu       sync.Mutex
	lookup   map[string]*Shard // shard name, address and member host -> shard
	rsMu     sync.Mutex
	rsLookup map[string]*Shard // replica set name -> shard
}

func NewShardRegistry(catalog CatalogClient, deps ShardDeps, lgr log.Logger, m metrics.Registry) *ShardRegistry {
	return &ShardRegistry{
		catalog:  catalog,
		deps:     deps,
		lgr:      lgr,
		stats:    NewRegistryStats(m),
		reloads:  atomic.Int64{},
		mu:       sync.Mutex{},
		lookup:   map[string]*Shard{},
		rsMu:     sync.Mutex{},
		rsLookup: map[string]*Shard{},
	}
}

// ReloadCount returns how many reloads completed successfully.
func (r *ShardRegistry) ReloadCount() int64 {
	return r.reloads.Load()
}

// Reload replaces the whole index with the catalog's current shard list. The
// config entry is carried over: it is not sourced from the catalog, and this
// way dropped shards disappear without reinitializing the config server info.
// A fetch or validation failure leaves the previous index intact.
func (r *ShardRegistry) Reload(ctx context.Context) error {
	records, err := r.catalog.GetAllShards(ctx)
	if err != nil {
		return xerrors.Errorf("couldn't get updated shard list from config server: %w", err)
	}
	r.lgr.Debugf("found %d shards listed on config server(s)", len(records))

	shards := make([]*Shard, 0, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return xerrors.Errorf("invalid shard record: %w", err)
		}
		shard, err := NewShard(rec.Name, rec.Host, rec.MaxSizeMB, rec.Draining, r.deps)
		if err != nil {
			return xerrors.Errorf("cannot construct shard from record: %w", err)
		}
		shards = append(shards, &shard)
	}

	// Replacement indexes are built in full before the swap, so readers of
	// either index observe the old or the new topology, never a partially
	// rebuilt one.
	lookup := make(map[string]*Shard, 3*len(shards)+1)
	rsLookup := map[string]*Shard{}
	for _, shard := range shards {
		lookup[shard.name] = shard
		installHostInto(lookup, rsLookup, shard.addr, shard)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if config := r.lookup[ConfigShardName]; config != nil {
		lookup[ConfigShardName] = config
	}
	r.lookup = lookup
	r.rsMu.Lock()
	r.rsLookup = rsLookup
	r.rsMu.Unlock()

	r.reloads.Inc()
	r.stats.Reloads.Inc()
	return nil
}

// Find classifies the identifier and reads the matching index. A miss is a
// nil shard, never a reload; this is the pure cache-read path.
func (r *ShardRegistry) Find(ident string) (*Shard, error) {
	cs, err := connstring.Parse(ident)
	if err != nil {
		return nil, xerrors.Errorf("error parsing connection string %q: %w", ident, err)
	}
	if cs.Kind == connstring.ReplicaSet {
		r.rsMu.Lock()
		defer r.rsMu.Unlock()
		return r.rsLookup[cs.SetName], nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup[ident], nil
}

// FindWithRetry is for callers that structurally require the shard to exist:
// one reload on miss, then ErrShardNotFound. The single reload bounds refresh
// storms; anything beyond that is the caller's policy.
func (r *ShardRegistry) FindWithRetry(ctx context.Context, ident string) (*Shard, error) {
	shard, err := r.Find(ident)
	if err != nil {
		return nil, err
	}
	if shard != nil {
		r.stats.Hits.Inc()
		return shard, nil
	}

	// not in our maps, re-load all
	r.stats.Misses.Inc()
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	shard, err = r.Find(ident)
	if err != nil {
		return nil, err
	}
	if shard == nil {
		return nil, xerrors.Errorf("can't find shard for %q: %w", ident, ErrShardNotFound)
	}
	return shard, nil
}

// FindIfExists is the plain-identifier lookup for callers that can operate
// without a match: one reload on miss, then a nil shard rather than an error.
func (r *ShardRegistry) FindIfExists(ctx context.Context, name string) (*Shard, error) {
	if shard := r.findByKey(name); shard != nil {
		r.stats.Hits.Inc()
		return shard, nil
	}
	// if we can't find the shard, we might just need to reload the cache
	r.stats.Misses.Inc()
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r.findByKey(name), nil
}

func (r *ShardRegistry) findByKey(key string) *Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup[key]
}

// LookupReplicaSetName reads the secondary index only and never reloads, so a
// just-added replica set may transiently not be found.
func (r *ShardRegistry) LookupReplicaSetName(name string) *Shard {
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	return r.rsLookup[name]
}

// FindCopy is FindWithRetry for callers that need a snapshot immune to
// concurrent registry mutation.
func (r *ShardRegistry) FindCopy(ctx context.Context, ident string) (Shard, error) {
	shard, err := r.FindWithRetry(ctx, ident)
	if err != nil {
		return Shard{}, err
	}
	return *shard, nil
}

// Install puts the shard into the requested indexes. With updateAddress set,
// a replica set backed shard also lands under its set name and every member
// host; this is the single multi-key fan-out used by Reload and ad hoc
// installs alike.
func (r *ShardRegistry) Install(name string, shard Shard, updateName, updateAddress bool) {
	stored := &shard
	r.mu.Lock()
	defer r.mu.Unlock()
	if updateName {
		r.lookup[name] = stored
	}
	if updateAddress {
		r.installHostLocked(shard.addr, stored)
	}
}

// installHostLocked requires mu to be held. It takes rsMu nested for the set
// name index, keeping the fixed mu -> rsMu order.
func (r *ShardRegistry) installHostLocked(host string, shard *Shard) {
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	installHostInto(r.lookup, r.rsLookup, host, shard)
}

// installHostInto is the multi-key fan-out over plain maps: the address key
// plus, for replica set backed shards, the set name and every member host.
func installHostInto(lookup, rsLookup map[string]*Shard, host string, shard *Shard) {
	lookup[host] = shard

	if shard.cs.Kind == connstring.ReplicaSet {
		if shard.cs.SetName != "" {
			rsLookup[shard.cs.SetName] = shard
		}
		for _, member := range shard.cs.Hosts {
			lookup[member] = shard
		}
	}
}

// Remove purges every key in both indexes whose stored shard carries the
// given name. A shard can be reachable under several keys, so this scans
// rather than deleting a single entry.
func (r *ShardRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, shard := range r.lookup {
		if shard.name == name {
			delete(r.lookup, key)
		}
	}
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	for key, shard := range r.rsLookup {
		if shard.name == name {
			delete(r.rsLookup, key)
		}
	}
}

// AllShards returns the distinct indexed shards, deduplicated by name and
// without the config entry.
func (r *ShardRegistry) AllShards() []Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	all := make([]Shard, 0, len(r.lookup))
	for _, shard := range r.lookup {
		if shard.name == ConfigShardName {
			continue
		}
		if _, ok := seen[shard.name]; ok {
			continue
		}
		seen[shard.name] = struct{}{}
		all = append(all, *shard)
	}
	return all
}

// ContainsAddress classifies whether an arbitrary connection belongs to the
// cluster: either a direct index key or a current member of some shard's
// replica set. Membership checks may call out to monitors, so they run on a
// snapshot taken under the lock, not while holding it.
func (r *ShardRegistry) ContainsAddress(addr string) bool {
	r.mu.Lock()
	if _, ok := r.lookup[addr]; ok {
		r.mu.Unlock()
		return true
	}
	seen := map[string]struct{}{}
	candidates := make([]Shard, 0, len(r.lookup))
	for _, shard := range r.lookup {
		if shard.name == ConfigShardName {
			continue
		}
		if _, ok := seen[shard.name]; ok {
			continue
		}
		seen[shard.name] = struct{}{}
		candidates = append(candidates, *shard)
	}
	r.mu.Unlock()

	for _, shard := range candidates {
		if shard.ContainsNode(addr) {
			return true
		}
	}
	return false
}

// ExportMap is a diagnostic snapshot of the identifier index, keyed exactly
// as lookups would hit it.
func (r *ShardRegistry) ExportMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]string, len(r.lookup))
	for key, shard := range r.lookup {
		m[key] = shard.addr
	}
	return m
}
