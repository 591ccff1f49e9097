package pipeline

import "streamingest/internal/model"

// batch accumulates records between flushes. marker is the highest offset
// pulled, skipped events included; first is the lowest.
type batch struct {
	limit   int
	records []model.Record
	events  int
	first   int64
	marker  int64
}

func newBatch(limit int) *batch {
	if limit < 1 {
		limit = 1
	}
	return &batch{limit: limit, records: make([]model.Record, 0, limit)}
}

func (b *batch) add(r model.Record, offset int64) {
	b.records = append(b.records, r)
	b.note(offset)
}

// skip accounts for an event that produced no record.
func (b *batch) skip(offset int64) { b.note(offset) }

func (b *batch) note(offset int64) {
	if b.events == 0 {
		b.first = offset
	}
	b.events++
	b.marker = offset
}

func (b *batch) empty() bool { return b.events == 0 }
func (b *batch) full() bool  { return b.events >= b.limit }

func (b *batch) reset() {
	b.records = make([]model.Record, 0, b.limit)
	b.events = 0
}
