package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"streamingest/checkpoint"
	"streamingest/internal/logging"
	"streamingest/internal/model"
	"streamingest/internal/telemetry"
	"streamingest/internal/transform"
	"streamingest/source/kafka"
)

// Submitter is the part of a sink the worker drives.
type Submitter interface {
	Submit(ctx context.Context, records []model.Record) error
}

type Options struct {
	ConsumerGroup   string        `koanf:"-" yaml:"-"`
	BatchSize       int           `koanf:"batch_size" yaml:"batch_size"`
	FlushInterval   time.Duration `koanf:"flush_interval" yaml:"flush_interval"`
	CallTimeout     time.Duration `koanf:"call_timeout" yaml:"call_timeout"`
	SinkRetry       RetryPolicy   `koanf:"sink_retry" yaml:"sink_retry"`
	CheckpointRetry RetryPolicy   `koanf:"checkpoint_retry" yaml:"checkpoint_retry"`
	OnFatal         FatalPolicy   `koanf:"on_fatal" yaml:"on_fatal"`
}

// Worker drives one claimed partition: pull, transform, forward, then
// checkpoint, strictly in offset order.
type Worker struct {
	claim     kafka.Claim
	store     checkpoint.Store
	sink      Submitter
	transform transform.Func
	opts      Options

	key   checkpoint.Key
	label string
	log   *slog.Logger

	saved   int64 // last offset known durable in the store, -1 if none
	pending int64 // highest offset forwarded or skipped
}

func NewWorker(claim kafka.Claim, store checkpoint.Store, s Submitter, fn transform.Func, opts Options) *Worker {
	return &Worker{
		claim:     claim,
		store:     store,
		sink:      s,
		transform: fn,
		opts:      opts,
		key: checkpoint.Key{
			Stream:        claim.Stream(),
			ConsumerGroup: opts.ConsumerGroup,
			Partition:     claim.Partition(),
		},
		label: strconv.Itoa(int(claim.Partition())),
		log:   logging.L().With(logging.Stream(claim.Stream()), logging.Partition(claim.Partition())),
		saved: -1,
	}
}

// Run returns nil on shutdown or end of partition, and *PartitionFatal when
// the partition cannot make progress.
func (w *Worker) Run(ctx context.Context) error {
	start, found, err := loadCheckpoint(ctx, w.store, w.key, w.opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fatal(-1, err)
	}
	if found {
		w.saved, w.pending = start, start
	} else {
		w.saved, w.pending = -1, -1
	}
	w.log.Info("partition started", "checkpoint", w.saved, "found", found)
	defer w.log.Info("partition stopped", "checkpoint", w.saved)

	b := newBatch(w.opts.BatchSize)
	for {
		if ctx.Err() != nil {
			return w.finish(ctx, b)
		}
		ev, err := w.next(ctx, b)
		switch {
		case err == nil:
		case errors.Is(err, errLinger):
			if err := w.flush(ctx, b); err != nil {
				return err
			}
			continue
		case errors.Is(err, kafka.ErrEndOfPartition), ctx.Err() != nil:
			return w.finish(ctx, b)
		default:
			if ferr := w.finish(ctx, b); ferr != nil {
				return ferr
			}
			return w.fatal(w.pending+1, err)
		}

		if ev.Offset <= w.saved {
			continue // already covered by the loaded checkpoint
		}
		telemetry.EventsReceived.WithLabelValues(w.key.Stream, w.label).Inc()

		rec, err := w.transform(ev)
		if err != nil {
			w.poison(ev, err)
			b.skip(ev.Offset)
		} else {
			b.add(rec, ev.Offset)
		}

		if b.full() {
			if err := w.flush(ctx, b); err != nil {
				return err
			}
		}
	}
}

var errLinger = errors.New("linger expired")

// next waits for the following event. With a partial batch pending it waits
// at most FlushInterval so quiet partitions still flush.
func (w *Worker) next(ctx context.Context, b *batch) (model.Event, error) {
	if b.empty() || w.opts.FlushInterval <= 0 {
		return w.claim.Next(ctx)
	}
	lctx, cancel := context.WithTimeout(ctx, w.opts.FlushInterval)
	defer cancel()
	ev, err := w.claim.Next(lctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ev, errLinger
	}
	return ev, err
}

func (w *Worker) poison(ev model.Event, err error) {
	field := ""
	var terr *transform.Error
	if errors.As(err, &terr) {
		field = terr.Field
	}
	telemetry.PoisonEvents.WithLabelValues(w.key.Stream, w.label, field).Inc()
	w.log.Error("poison event skipped", logging.Offset(ev.Offset), logging.Error(err))
}

// flush forwards the batch and then checkpoints its marker. The pair runs
// to completion even after shutdown was requested.
func (w *Worker) flush(ctx context.Context, b *batch) error {
	if b.empty() {
		return nil
	}
	uctx := context.WithoutCancel(ctx)

	if len(b.records) > 0 {
		if err := w.submit(uctx, b.records); err != nil {
			return w.fatal(b.first, err)
		}
		telemetry.RecordsForwarded.WithLabelValues(w.key.Stream, w.label).Add(float64(len(b.records)))
	}

	w.pending = b.marker
	b.reset()
	if err := w.save(uctx); err != nil {
		return w.fatal(w.pending, err)
	}
	return nil
}

func (w *Worker) submit(ctx context.Context, records []model.Record) error {
	op := func(ctx context.Context) error {
		return withTimeout(ctx, w.opts.CallTimeout, func(cctx context.Context) error {
			start := time.Now()
			err := w.sink.Submit(cctx, records)
			telemetry.SinkDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				telemetry.SinkAttempts.WithLabelValues("error").Inc()
				return err
			}
			telemetry.SinkAttempts.WithLabelValues("ok").Inc()
			return nil
		})
	}
	notify := func(err error, wait time.Duration) {
		w.log.Warn("sink submit failed, retrying", "records", len(records), "wait", wait, logging.Error(err))
	}
	return retry(ctx, w.opts.SinkRetry, op, sinkRetryable, notify)
}

// save persists the pending marker. Exhausted retries leave a gap that the
// next successful save closes and the worker keeps going. Only a credential
// failure is returned.
func (w *Worker) save(ctx context.Context) error {
	if w.pending <= w.saved {
		return nil
	}
	target := w.pending
	op := func(ctx context.Context) error {
		return withTimeout(ctx, w.opts.CallTimeout, func(cctx context.Context) error {
			return w.store.Save(cctx, w.key, target)
		})
	}
	notify := func(err error, wait time.Duration) {
		w.log.Warn("checkpoint save failed, retrying", logging.Offset(target), "wait", wait, logging.Error(err))
	}
	if err := retry(ctx, w.opts.CheckpointRetry, op, storeRetryable, notify); err != nil {
		telemetry.CheckpointSaves.WithLabelValues("error").Inc()
		if IsCredential(err) {
			return err
		}
		w.log.Warn("checkpoint gap", logging.Offset(target), "durable", w.saved, logging.Error(err))
		return nil
	}
	telemetry.CheckpointSaves.WithLabelValues("ok").Inc()
	w.saved = target
	return nil
}

// finish flushes what is buffered and retries an outstanding checkpoint once
// more before the worker exits.
func (w *Worker) finish(ctx context.Context, b *batch) error {
	if err := w.flush(ctx, b); err != nil {
		return err
	}
	if err := w.save(context.WithoutCancel(ctx)); err != nil {
		return w.fatal(w.pending, err)
	}
	return nil
}

func (w *Worker) fatal(offset int64, err error) error {
	return &PartitionFatal{Stream: w.key.Stream, Partition: w.key.Partition, Offset: offset, Err: err}
}

func loadCheckpoint(ctx context.Context, store checkpoint.Store, k checkpoint.Key, opts Options) (int64, bool, error) {
	var (
		off   int64
		found bool
	)
	op := func(ctx context.Context) error {
		return withTimeout(ctx, opts.CallTimeout, func(cctx context.Context) error {
			var err error
			off, found, err = store.Load(cctx, k)
			return err
		})
	}
	notify := func(err error, wait time.Duration) {
		logging.L().Warn("checkpoint load failed, retrying",
			logging.Stream(k.Stream), logging.Partition(k.Partition), "wait", wait, logging.Error(err))
	}
	err := retry(ctx, opts.CheckpointRetry, op, storeRetryable, notify)
	return off, found, err
}
