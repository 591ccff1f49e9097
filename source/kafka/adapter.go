package kafka

import (
	"context"
	"errors"

	"streamingest/internal/model"
)

// ErrEndOfPartition is returned by Claim.Next once the claim was revoked or
// drained. No further events will arrive on this claim.
var ErrEndOfPartition = errors.New("kafka: end of partition")

// Claim is one partition owned by this process for the current group
// generation.
type Claim interface {
	Stream() string
	Partition() int32
	// Next blocks until an event arrives, ctx is done, or the claim ends.
	Next(ctx context.Context) (model.Event, error)
}

// Handler receives partition ownership from an Adapter.
type Handler interface {
	// Resume reports the last checkpointed offset so the adapter can seek
	// the claim to the following event before delivery starts.
	Resume(ctx context.Context, stream string, partition int32) (offset int64, found bool, err error)
	// Serve processes a claim until it ends or ctx is done.
	Serve(ctx context.Context, c Claim) error
}

type Adapter interface {
	Configure(Config) error
	Run(context.Context, Handler) error
	Close() error
}
