// Package transform turns raw partition events into normalized records.
// Transformers are pure functions: no I/O, and the same event always yields
// the same record or the same error.
package transform
