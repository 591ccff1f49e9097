package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"streamingest/checkpoint"
	"streamingest/internal/logging"
	"streamingest/internal/telemetry"
	"streamingest/internal/transform"
	"streamingest/source/kafka"
)

// FatalPolicy decides what a fatal partition error does to the process.
type FatalPolicy string

const (
	// Isolate parks the failed partition until the next rebalance or
	// shutdown; the other partitions keep running.
	Isolate FatalPolicy = "isolate"
	// Terminate stops the whole pipeline with the error.
	Terminate FatalPolicy = "terminate"
)

func ParseFatalPolicy(s string) (FatalPolicy, error) {
	switch FatalPolicy(s) {
	case "", Isolate:
		return Isolate, nil
	case Terminate:
		return Terminate, nil
	}
	return "", fmt.Errorf("unknown on_fatal policy %q (want isolate|terminate)", s)
}

type Status string

const (
	Running Status = "running"
	Stopped Status = "stopped"
	Fatal   Status = "fatal"
)

// Observer is told about partition lifecycle changes.
type Observer interface {
	PartitionStatus(stream string, partition int32, s Status)
}

type nopObserver struct{}

func (nopObserver) PartitionStatus(string, int32, Status) {}

type PartitionState struct {
	Stream    string
	Partition int32
	Status    Status
	Err       error
}

// Coordinator owns the partition workers. It implements kafka.Handler: the
// broker adapter tells it which partitions this process owns and it runs one
// Worker per claim.
type Coordinator struct {
	store     checkpoint.Store
	sink      Submitter
	transform transform.Func
	opts      Options
	observer  Observer

	cancel context.CancelCauseFunc

	mu     sync.Mutex
	states map[claimKey]PartitionState
}

// claimKey identifies a partition across every consumed stream.
type claimKey struct {
	stream    string
	partition int32
}

var _ kafka.Handler = (*Coordinator)(nil)

func NewCoordinator(store checkpoint.Store, s Submitter, fn transform.Func, opts Options, obs Observer) *Coordinator {
	if obs == nil {
		obs = nopObserver{}
	}
	if opts.OnFatal == "" {
		opts.OnFatal = Isolate
	}
	return &Coordinator{
		store:     store,
		sink:      s,
		transform: fn,
		opts:      opts,
		observer:  obs,
		states:    make(map[claimKey]PartitionState),
	}
}

// Run consumes from src until ctx is done or a fatal error terminates the
// pipeline; in the latter case that error is returned.
func (c *Coordinator) Run(ctx context.Context, src kafka.Adapter) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.cancel = cancel

	err := src.Run(ctx, c)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (c *Coordinator) Resume(ctx context.Context, stream string, partition int32) (int64, bool, error) {
	k := checkpoint.Key{Stream: stream, ConsumerGroup: c.opts.ConsumerGroup, Partition: partition}
	return loadCheckpoint(ctx, c.store, k, c.opts)
}

func (c *Coordinator) Serve(ctx context.Context, claim kafka.Claim) error {
	stream, p := claim.Stream(), claim.Partition()
	c.setState(PartitionState{Stream: stream, Partition: p, Status: Running})
	telemetry.ActivePartitions.Inc()

	err := NewWorker(claim, c.store, c.sink, c.transform, c.opts).Run(ctx)

	telemetry.ActivePartitions.Dec()
	if err == nil {
		c.setState(PartitionState{Stream: stream, Partition: p, Status: Stopped})
		return nil
	}

	telemetry.PartitionFatal.Inc()
	c.setState(PartitionState{Stream: stream, Partition: p, Status: Fatal, Err: err})

	if IsCredential(err) || c.opts.OnFatal == Terminate {
		logging.L().Error("fatal partition error, stopping pipeline",
			logging.Stream(stream), logging.Partition(p), logging.Error(err))
		if c.cancel != nil {
			c.cancel(err)
		}
		return err
	}

	// Returning would end the whole group session; park until it ends.
	logging.L().Error("fatal partition error, partition isolated until rebalance",
		logging.Stream(stream), logging.Partition(p), logging.Error(err))
	<-ctx.Done()
	return nil
}

// States returns the last known state of every partition seen so far.
func (c *Coordinator) States() []PartitionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PartitionState, 0, len(c.states))
	for _, s := range c.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (c *Coordinator) setState(s PartitionState) {
	c.mu.Lock()
	c.states[claimKey{s.Stream, s.Partition}] = s
	c.mu.Unlock()
	c.observer.PartitionStatus(s.Stream, s.Partition, s.Status)
}
