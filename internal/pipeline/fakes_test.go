package pipeline

import (
	"context"
	"fmt"
	"sync"

	"streamingest/checkpoint"
	"streamingest/internal/model"
	"streamingest/source/kafka"
)

// opLog records submit/save calls across the fake sink and store so tests
// can assert their relative order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.mu.Lock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type sliceClaim struct {
	stream string
	part   int32
	events []model.Event
	// hold keeps Next blocking after the last event instead of ending
	hold bool

	mu  sync.Mutex
	pos int
}

func (c *sliceClaim) Stream() string   { return c.stream }
func (c *sliceClaim) Partition() int32 { return c.part }

func (c *sliceClaim) Next(ctx context.Context) (model.Event, error) {
	c.mu.Lock()
	if c.pos < len(c.events) {
		ev := c.events[c.pos]
		c.pos++
		c.mu.Unlock()
		return ev, nil
	}
	c.mu.Unlock()
	if !c.hold {
		return model.Event{}, kafka.ErrEndOfPartition
	}
	<-ctx.Done()
	return model.Event{}, ctx.Err()
}

type fakeSink struct {
	log *opLog

	mu      sync.Mutex
	batches [][]model.Record
	calls   int
	// errs[i] is returned by call i; calls past the end succeed
	errs    []error
	entered chan struct{} // closed when the first call starts
	block   chan struct{}
	once    sync.Once
	// ctxErrs records ctx.Err() seen at the end of each call
	ctxErrs []error
}

func (s *fakeSink) Submit(ctx context.Context, records []model.Record) error {
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.log != nil {
		s.log.add("submit %d-%d", records[0].SequenceNumber, records[len(records)-1].SequenceNumber)
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return s.errs[i]
	}
	s.batches = append(s.batches, append([]model.Record(nil), records...))
	return nil
}

func (s *fakeSink) accepted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, b := range s.batches {
		for _, r := range b {
			out = append(out, r.SequenceNumber)
		}
	}
	return out
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeStore struct {
	log *opLog

	mu       sync.Mutex
	data     map[checkpoint.Key]int64
	saves    []int64
	saveErrs []error
	loadErr  error
	loads    int
}

func newFakeStore(log *opLog) *fakeStore {
	return &fakeStore{log: log, data: make(map[checkpoint.Key]int64)}
}

func (s *fakeStore) Load(_ context.Context, k checkpoint.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return 0, false, s.loadErr
	}
	off, ok := s.data[k]
	return off, ok, nil
}

func (s *fakeStore) Save(_ context.Context, k checkpoint.Key, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		s.log.add("save %d", offset)
	}
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	s.saves = append(s.saves, offset)
	if cur, ok := s.data[k]; !ok || offset > cur {
		s.data[k] = offset
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) get(k checkpoint.Key) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.data[k]
	return off, ok
}

func (s *fakeStore) savedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.saves...)
}

// fakeAdapter serves each claim on its own goroutine, like a consumer
// group session, and returns when all of them have returned.
type fakeAdapter struct {
	claims []kafka.Claim
}

func (a *fakeAdapter) Configure(kafka.Config) error { return nil }
func (a *fakeAdapter) Close() error                 { return nil }

func (a *fakeAdapter) Run(ctx context.Context, h kafka.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, c := range a.claims {
		wg.Add(1)
		go func(c kafka.Claim) {
			defer wg.Done()
			_ = h.Serve(ctx, c)
		}(c)
	}
	wg.Wait()
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) PartitionStatus(stream string, p int32, s Status) {
	o.mu.Lock()
	o.events = append(o.events, fmt.Sprintf("%s/%d:%s", stream, p, s))
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}
