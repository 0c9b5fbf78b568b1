package grid

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/xerrors"
)

// CommandExecutor runs a single command against an arbitrary shard address.
// ok=false with a non-nil reply means the remote side reported the failure
// itself; err covers network-level trouble. Connection pooling stays inside
// the implementation, callers never hold a connection.
type CommandExecutor interface {
	Execute(ctx context.Context, address, database string, cmd bson.D) (reply bson.Raw, ok bool, err error)
}

const defaultExecTimeout = 10 * time.Second

// MongoExecutor dials the address for every call and disconnects afterwards.
// Dial failures are retried at most once, any further retry policy belongs to
// the caller.
type MongoExecutor struct {
	timeout time.Duration
}

var _ CommandExecutor = (*MongoExecutor)(nil)

func NewMongoExecutor() *MongoExecutor {
	return &MongoExecutor{timeout: defaultExecTimeout}
}

func (e *MongoExecutor) Execute(ctx context.Context, address, database string, cmd bson.D) (bson.Raw, bool, error) {
	opts, err := clientOptions(address, e.timeout)
	if err != nil {
		return nil, false, xerrors.Errorf("cannot build client options for %q: %w", address, err)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, false, xerrors.Errorf("cannot connect to %q: %w", address, err)
	}
	defer func() {
		_ = client.Disconnect(ctx)
	}()

	ping := func() error {
		return client.Ping(ctx, readpref.PrimaryPreferred())
	}
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1), ctx)); err != nil {
		return nil, false, xerrors.Errorf("%q is unreachable: %w", address, err)
	}

	reply, err := client.Database(database).RunCommand(ctx, cmd).DecodeBytes()
	if err != nil {
		var cmdErr mongo.CommandError
		if xerrors.As(err, &cmdErr) {
			return cmdErr.Raw, false, nil
		}
		return nil, false, xerrors.Errorf("cannot run command on %q: %w", address, err)
	}
	return reply, true, nil
}
