package grid

import (
	"context"
	"fmt"

	"github.com/doublecloud/gridtopo/internal/logger"
	"github.com/doublecloud/gridtopo/pkg/connstring"
	"go.mongodb.org/mongo-driver/bson"
	"go.ytsaurus.tech/library/go/core/log"
	"golang.org/x/xerrors"
)

const adminDatabase = "admin"

// ShardDeps are the collaborators a shard needs for its remote operations.
type ShardDeps struct {
	Executor CommandExecutor
	Monitors Monitors
}

// Shard describes one cluster member: logical name, reachable address and the
// topology parsed from it, plus placement constraints. Immutable once
// constructed; the registry replaces stored shards instead of mutating them.
// The zero Shard is the EMPTY sentinel.
type Shard struct {
	name       string
	addr       string
	cs         connstring.ConnString
	maxSizeMB  int64
	isDraining bool

	deps ShardDeps
}

// NewShard parses addr and builds an immutable shard value. An empty addr is
// allowed and yields a shard without topology.
func NewShard(name, addr string, maxSizeMB int64, isDraining bool, deps ShardDeps) (Shard, error) {
	var cs connstring.ConnString
	if addr != "" {
		var err error
		cs, err = connstring.Parse(addr)
		if err != nil {
			return Shard{}, xerrors.Errorf("shard %q: %w", name, err)
		}
	}
	return Shard{
		name:       name,
		addr:       addr,
		cs:         cs,
		maxSizeMB:  maxSizeMB,
		isDraining: isDraining,
		deps:       deps,
	}, nil
}

func (s Shard) Name() string {
	return s.name
}

func (s Shard) Address() string {
	return s.addr
}

func (s Shard) ConnString() connstring.ConnString {
	return s.cs
}

func (s Shard) MaxSizeMB() int64 {
	return s.maxSizeMB
}

func (s Shard) IsDraining() bool {
	return s.isDraining
}

// Equal ignores the injected collaborators: two shards are the same cluster
// member iff name, address and placement constraints match.
func (s Shard) Equal(other Shard) bool {
	return s.name == other.name &&
		s.addr == other.addr &&
		s.maxSizeMB == other.maxSizeMB &&
		s.isDraining == other.isDraining
}

func (s Shard) IsEmpty() bool {
	return s.Equal(Shard{})
}

func (s Shard) String() string {
	return fmt.Sprintf("shard:%s:%s", s.name, s.addr)
}

// RunCommand executes cmd against the shard and returns the raw reply.
// Remote-side failures come back as a CommandError carrying the reply.
func (s Shard) RunCommand(ctx context.Context, database string, cmd bson.D) (bson.Raw, error) {
	reply, ok, err := s.deps.Executor.Execute(ctx, s.addr, database, cmd)
	if err != nil {
		return nil, &CommandError{Shard: s.name, Address: s.addr, Command: cmd, Reply: nil, cause: err}
	}
	if !ok {
		return nil, &CommandError{Shard: s.name, Address: s.addr, Command: cmd, Reply: reply, cause: nil}
	}
	return reply, nil
}

// ContainsNode reports whether addr is this shard's own address or a current
// member of its replica set. A missing monitor is not proof of non-membership
// but the check still has to answer, so it degrades to false with a warning.
func (s Shard) ContainsNode(addr string) bool {
	if s.addr == addr {
		return true
	}
	if s.cs.Kind == connstring.ReplicaSet {
		if s.deps.Monitors == nil {
			logger.Log.Warn("no monitor source configured for a known shard", log.String("replica_set", s.cs.SetName))
			return false
		}
		monitor, ok := s.deps.Monitors.Get(s.cs.SetName)
		if !ok {
			// Possibly still yet to be initialized.
			logger.Log.Warn("monitor not found for a known shard", log.String("replica_set", s.cs.SetName))
			return false
		}
		return monitor.Contains(addr)
	}
	return false
}

// Version issues serverStatus against the given address and extracts the
// software version.
func Version(ctx context.Context, exec CommandExecutor, address string) (string, error) {
	cmd := bson.D{{Key: "serverStatus", Value: 1}}
	reply, ok, err := exec.Execute(ctx, address, adminDatabase, cmd)
	if err != nil {
		return "", xerrors.Errorf("call to serverStatus on %q failed: %w", address, err)
	}
	if !ok {
		return "", &CommandError{Shard: "", Address: address, Command: cmd, Reply: reply, cause: nil}
	}
	version, okv := reply.Lookup("version").StringValueOK()
	if !okv {
		return "", &ReplyError{Address: address, Field: "version", Reason: "not found in serverStatus"}
	}
	return version, nil
}

// DataSizeBytes issues listDatabases against the given address and extracts
// the total data size.
func DataSizeBytes(ctx context.Context, exec CommandExecutor, address string) (int64, error) {
	cmd := bson.D{{Key: "listDatabases", Value: 1}}
	reply, ok, err := exec.Execute(ctx, address, adminDatabase, cmd)
	if err != nil {
		return 0, xerrors.Errorf("call to listDatabases on %q failed: %w", address, err)
	}
	if !ok {
		return 0, &CommandError{Shard: "", Address: address, Command: cmd, Reply: reply, cause: nil}
	}
	totalSize := reply.Lookup("totalSize")
	size, okv := totalSize.AsInt64OK()
	if !okv {
		return 0, &ReplyError{Address: address, Field: "totalSize", Reason: "not found in listDatabases or not a number"}
	}
	return size, nil
}

func (s Shard) Version(ctx context.Context) (string, error) {
	return Version(ctx, s.deps.Executor, s.addr)
}

func (s Shard) DataSizeBytes(ctx context.Context) (int64, error) {
	return DataSizeBytes(ctx, s.deps.Executor, s.addr)
}

// Status polls the shard and combines data size and version into one
// comparable snapshot.
func (s Shard) Status(ctx context.Context) (ShardStatus, error) {
	size, err := s.DataSizeBytes(ctx)
	if err != nil {
		return ShardStatus{}, xerrors.Errorf("cannot poll data size of shard %q: %w", s.name, err)
	}
	version, err := s.Version(ctx)
	if err != nil {
		return ShardStatus{}, xerrors.Errorf("cannot poll version of shard %q: %w", s.name, err)
	}
	return ShardStatus{Shard: s, DataSizeBytes: size, Version: version}, nil
}
