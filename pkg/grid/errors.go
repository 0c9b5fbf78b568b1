package grid

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/xerrors"
)

// ErrShardNotFound is wrapped by lookups whose callers structurally require a
// shard to exist (FindWithRetry, FindCopy). The soft lookup variants report
// absence as a nil shard instead.
var ErrShardNotFound = xerrors.New("shard not found")

// CommandError means the remote side reported a failure or was unreachable.
// The raw reply, when there was one, is attached for diagnostics.
type CommandError struct {
	Shard   string
	Address string
	Command bson.D
	Reply   bson.Raw

	cause error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("runCommand (%v) on shard (%s) at %q failed: %v", e.Command, e.Shard, e.Address, e.Reply)
}

func (e *CommandError) Unwrap() error {
	return e.cause
}

// ReplyError means the shard was reachable but its reply is missing an
// expected field or carries one of the wrong type. Kept distinct from
// CommandError so callers can tell "replied oddly" from "unreachable".
type ReplyError struct {
	Address string
	Field   string
	Reason  string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s field in reply from %q: %s", e.Field, e.Address, e.Reason)
}
