// Package stdout prints each record as one JSON line. Useful for dry runs
// against a live stream without touching the real ingestion endpoint.
package stdout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"streamingest/internal/model"
	"streamingest/sink"
)

type Config struct {
	DelayMS int  `koanf:"delay_ms" yaml:"delay_ms"` // artificial per-batch delay
	Pretty  bool `koanf:"pretty" yaml:"pretty"`
}

type driver struct {
	cfg Config

	mu  sync.Mutex // serializes writers across partitions
	out io.Writer
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	if d.out == nil {
		d.out = os.Stdout
	}
	return nil
}

func (d *driver) Submit(ctx context.Context, records []model.Record) error {
	if d.cfg.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return sink.Transport(ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w := bufio.NewWriter(d.out)
	enc := json.NewEncoder(w)
	if d.cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return sink.NewError(sink.Malformed, 0, err)
		}
	}
	if err := w.Flush(); err != nil {
		return sink.Transport(err)
	}
	return nil
}

func (d *driver) Close() error { return nil }

func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
