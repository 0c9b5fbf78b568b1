package grid

import (
	"context"
	"time"

	"github.com/doublecloud/gridtopo/pkg/connstring"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/xerrors"
)

// ShardRecord is one document of the config server's shard collection.
type ShardRecord struct {
	Name      string `bson:"_id"`
	Host      string `bson:"host"`
	MaxSizeMB int64  `bson:"maxSize,omitempty"`
	Draining  bool   `bson:"draining,omitempty"`
}

func (r ShardRecord) Validate() error {
	if r.Name == "" {
		return xerrors.New("missing shard name")
	}
	if r.Host == "" {
		return xerrors.Errorf("shard %q has no host", r.Name)
	}
	if _, err := connstring.Parse(r.Host); err != nil {
		return xerrors.Errorf("shard %q host: %w", r.Name, err)
	}
	if r.MaxSizeMB < 0 {
		return xerrors.Errorf("shard %q has negative max size %d", r.Name, r.MaxSizeMB)
	}
	return nil
}

// CatalogClient is the authoritative configuration source for the shard list.
type CatalogClient interface {
	GetAllShards(ctx context.Context) ([]ShardRecord, error)
}

const (
	configDatabase   = "config"
	shardsCollection = "shards"

	defaultCatalogTimeout = 15 * time.Second
)

// ConfigCatalog reads the shard list from the config server's
// config.shards collection.
type ConfigCatalog struct {
	addr    string
	timeout time.Duration
}

var _ CatalogClient = (*ConfigCatalog)(nil)

func NewConfigCatalog(addr string) *ConfigCatalog {
	return &ConfigCatalog{
		addr:    addr,
		timeout: defaultCatalogTimeout,
	}
}

func (c *ConfigCatalog) GetAllShards(ctx context.Context) ([]ShardRecord, error) {
	opts, err := clientOptions(c.addr, c.timeout)
	if err != nil {
		return nil, xerrors.Errorf("cannot build client options for config server: %w", err)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, xerrors.Errorf("cannot connect to config server %q: %w", c.addr, err)
	}
	defer func() {
		_ = client.Disconnect(ctx)
	}()

	cursor, err := client.Database(configDatabase).Collection(shardsCollection).Find(ctx, bson.D{})
	if err != nil {
		return nil, xerrors.Errorf("cannot list shard documents: %w", err)
	}
	defer cursor.Close(ctx)

	var records []ShardRecord
	for cursor.Next(ctx) {
		var rec ShardRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, xerrors.Errorf("cannot decode shard document: %w", err)
		}
		records = append(records, rec)
	}
	if cursor.Err() != nil {
		return nil, xerrors.Errorf("cursor error occurred: %w", cursor.Err())
	}
	return records, nil
}

func clientOptions(addr string, timeout time.Duration) (*options.ClientOptions, error) {
	cs, err := connstring.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := options.Client().
		SetHosts(cs.Hosts).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)
	if cs.Kind == connstring.ReplicaSet {
		opts = opts.SetReplicaSet(cs.SetName)
	}
	return opts, nil
}
