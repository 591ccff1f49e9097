package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamingest/checkpoint"
	"streamingest/internal/credential"
	"streamingest/internal/model"
	"streamingest/internal/transform"
	"streamingest/sink"
)

const group = "$Default"

var key0 = checkpoint.Key{Stream: "apim-logs", ConsumerGroup: group, Partition: 0}

func testOptions(batchSize int) Options {
	return Options{
		ConsumerGroup:   group,
		BatchSize:       batchSize,
		CallTimeout:     time.Second,
		SinkRetry:       RetryPolicy{Attempts: 5},
		CheckpointRetry: RetryPolicy{Attempts: 3},
	}
}

// passthrough turns every event into a record unless its payload is "poison".
func passthrough(ev model.Event) (model.Record, error) {
	if string(ev.Payload) == "poison" {
		return model.Record{}, &transform.Error{Field: "RequestId", Reason: "missing"}
	}
	return model.Record{RequestID: string(ev.Payload), PartitionID: ev.Partition, SequenceNumber: ev.Offset}, nil
}

func events(from, to int64) []model.Event {
	var out []model.Event
	for o := from; o <= to; o++ {
		out = append(out, model.Event{Stream: "apim-logs", Partition: 0, Offset: o, Payload: []byte("ok")})
	}
	return out
}

func gatewayEvent(t *testing.T, offset int64, drop string) model.Event {
	t.Helper()
	m := map[string]any{}
	for _, f := range transform.Fields {
		m[f] = "v"
	}
	m["requestbody"] = map[string]any{"prompt": "hi"}
	delete(m, drop)
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return model.Event{Stream: "apim-logs", Partition: 0, Offset: offset, Payload: b}
}

func TestWorker_PoisonEventSkippedAndCheckpointAdvances(t *testing.T) {
	evs := []model.Event{
		gatewayEvent(t, 1, ""),
		gatewayEvent(t, 2, ""),
		gatewayEvent(t, 3, "RequestId"),
		gatewayEvent(t, 4, ""),
		gatewayEvent(t, 5, ""),
	}
	claim := &sliceClaim{stream: "apim-logs", events: evs}
	snk := &fakeSink{}
	store := newFakeStore(nil)

	err := NewWorker(claim, store, snk, transform.APIMLog, testOptions(1)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 4, 5}, snk.accepted())
	assert.Equal(t, 4, snk.callCount())
	off, ok := store.get(key0)
	require.True(t, ok)
	assert.Equal(t, int64(5), off)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, store.savedOffsets())
}

func TestWorker_PoisonOnlyBatchSavesWithoutSubmit(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: []model.Event{
		{Stream: "apim-logs", Offset: 7, Payload: []byte("poison")},
		{Stream: "apim-logs", Offset: 8, Payload: []byte("poison")},
	}}
	snk := &fakeSink{}
	store := newFakeStore(nil)

	require.NoError(t, NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background()))

	assert.Zero(t, snk.callCount())
	off, _ := store.get(key0)
	assert.Equal(t, int64(8), off)
}

func TestWorker_RetryableSinkFailureThenSuccess(t *testing.T) {
	log := &opLog{}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 3)}
	throttled := sink.NewError(sink.Throttled, 429, errors.New("slow down"))
	snk := &fakeSink{log: log, errs: []error{throttled, throttled}}
	store := newFakeStore(log)

	require.NoError(t, NewWorker(claim, store, snk, passthrough, testOptions(3)).Run(context.Background()))

	assert.Equal(t, 3, snk.callCount())
	assert.Equal(t, []int64{1, 2, 3}, snk.accepted())
	assert.Equal(t, []string{"submit 1-3", "submit 1-3", "submit 1-3", "save 3"}, log.snapshot())
}

func TestWorker_ForwardAlwaysPrecedesCheckpoint(t *testing.T) {
	log := &opLog{}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 6)}
	snk := &fakeSink{log: log}
	store := newFakeStore(log)

	require.NoError(t, NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background()))

	assert.Equal(t, []string{
		"submit 1-2", "save 2",
		"submit 3-4", "save 4",
		"submit 5-6", "save 6",
	}, log.snapshot())

	saves := store.savedOffsets()
	for i := 1; i < len(saves); i++ {
		assert.Greater(t, saves[i], saves[i-1], "checkpoint must be monotonic")
	}
}

func TestWorker_RestartResumesAfterCheckpoint(t *testing.T) {
	store := newFakeStore(nil)
	store.data[key0] = 10
	// delivery may start before the checkpoint; those events are dropped
	claim := &sliceClaim{stream: "apim-logs", events: events(8, 14)}
	snk := &fakeSink{}

	require.NoError(t, NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background()))

	assert.Equal(t, []int64{11, 12, 13, 14}, snk.accepted())
	off, _ := store.get(key0)
	assert.Equal(t, int64(14), off)
}

func TestWorker_CheckpointExhaustionLeavesGapAndContinues(t *testing.T) {
	store := newFakeStore(nil)
	transient := &checkpoint.Error{Op: "save", Key: key0, Retryable: true, Err: errors.New("503")}
	// three attempts for offset 2 all fail, offset 4 succeeds
	store.saveErrs = []error{transient, transient, transient}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 4)}
	snk := &fakeSink{}

	require.NoError(t, NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 3, 4}, snk.accepted())
	assert.Equal(t, []int64{4}, store.savedOffsets())
}

func TestWorker_FinalSaveClosesGapOnExit(t *testing.T) {
	store := newFakeStore(nil)
	transient := &checkpoint.Error{Op: "save", Key: key0, Retryable: true, Err: errors.New("503")}
	store.saveErrs = []error{transient, transient, transient}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 2)}

	require.NoError(t, NewWorker(claim, store, &fakeSink{}, passthrough, testOptions(2)).Run(context.Background()))

	off, ok := store.get(key0)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestWorker_PermanentSinkErrorIsFatalWithoutCheckpoint(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 4)}
	snk := &fakeSink{errs: []error{nil, sink.NewError(sink.Malformed, 400, errors.New("bad schema"))}}
	store := newFakeStore(nil)

	err := NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background())

	var pf *PartitionFatal
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, int64(3), pf.Offset)
	assert.Equal(t, 2, snk.callCount(), "permanent errors are not retried")
	off, _ := store.get(key0)
	assert.Equal(t, int64(2), off, "failed batch must not be checkpointed")
}

func TestWorker_RetriesExhaustedIsFatal(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 1)}
	transient := sink.NewError(sink.Transient, 503, errors.New("unavailable"))
	snk := &fakeSink{errs: []error{transient, transient, transient, transient, transient}}
	store := newFakeStore(nil)

	err := NewWorker(claim, store, snk, passthrough, testOptions(1)).Run(context.Background())

	var pf *PartitionFatal
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 5, snk.callCount())
	_, ok := store.get(key0)
	assert.False(t, ok)
}

func TestWorker_CredentialErrorIsNotRetried(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 1)}
	snk := &fakeSink{errs: []error{&credential.Error{Err: errors.New("aad down")}}}

	err := NewWorker(claim, newFakeStore(nil), snk, passthrough, testOptions(1)).Run(context.Background())

	require.Error(t, err)
	assert.True(t, IsCredential(err))
	assert.Equal(t, 1, snk.callCount())
}

func TestWorker_CredentialErrorOnSaveIsFatal(t *testing.T) {
	store := newFakeStore(nil)
	denied := &credential.Error{Scopes: []string{"https://storage.azure.com/.default"}, Err: errors.New("acquire token: expired secret")}
	store.saveErrs = []error{denied, denied, denied, denied}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 4)}
	snk := &fakeSink{}

	err := NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(context.Background())

	var pf *PartitionFatal
	require.ErrorAs(t, err, &pf)
	assert.True(t, IsCredential(err))
	assert.Equal(t, int64(2), pf.Offset)
	assert.Equal(t, []int64{1, 2}, snk.accepted(), "no further batch after the failed save")
	assert.Empty(t, store.savedOffsets())
	assert.Len(t, store.saveErrs, 3, "credential errors are not retried")
}

func TestWorker_LoadFailureIsFatal(t *testing.T) {
	store := newFakeStore(nil)
	store.loadErr = &checkpoint.Error{Op: "load", Retryable: true, Err: errors.New("timeout")}
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 1)}

	err := NewWorker(claim, store, &fakeSink{}, passthrough, testOptions(1)).Run(context.Background())

	var pf *PartitionFatal
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 3, store.loads)
}

func TestWorker_LingerFlushesPartialBatch(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 2), hold: true}
	snk := &fakeSink{}
	store := newFakeStore(nil)
	opts := testOptions(100)
	opts.FlushInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(claim, store, snk, passthrough, opts).Run(ctx) }()

	require.Eventually(t, func() bool {
		off, ok := store.get(key0)
		return ok && off == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2}, snk.accepted())
}

func TestWorker_ShutdownFlushesBufferedBatch(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 3), hold: true}
	snk := &fakeSink{}
	store := newFakeStore(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(claim, store, snk, passthrough, testOptions(100)).Run(ctx) }()

	// let the worker pull everything, then stop it
	require.Eventually(t, func() bool {
		claim.mu.Lock()
		defer claim.mu.Unlock()
		return claim.pos == 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, snk.accepted())
	off, _ := store.get(key0)
	assert.Equal(t, int64(3), off)
}

func TestWorker_InFlightUnitSurvivesCancellation(t *testing.T) {
	claim := &sliceClaim{stream: "apim-logs", events: events(1, 5), hold: true}
	snk := &fakeSink{entered: make(chan struct{}), block: make(chan struct{})}
	store := newFakeStore(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(claim, store, snk, passthrough, testOptions(2)).Run(ctx) }()

	<-snk.entered
	cancel()
	close(snk.block)
	require.NoError(t, <-done)

	snk.mu.Lock()
	for _, err := range snk.ctxErrs {
		assert.NoError(t, err, "sink call must not observe shutdown")
	}
	snk.mu.Unlock()

	assert.Equal(t, []int64{1, 2}, snk.accepted(), "no new events pulled after shutdown")
	off, _ := store.get(key0)
	assert.Equal(t, int64(2), off)
}
