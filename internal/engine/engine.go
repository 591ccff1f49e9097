package engine

import (
	"context"
	"net/http"

	"streamingest/checkpoint"
	"streamingest/internal/logging"
	"streamingest/internal/pipeline"
	"streamingest/internal/transport"
	"streamingest/sink"
	"streamingest/source/kafka"
)

type Engine struct {
	transport *transport.Server
	metrics   *http.Server
	source    kafka.Adapter
	sink      sink.Adapter
	store     checkpoint.Store
	coord     *pipeline.Coordinator
}

// Run blocks until ctx is done or a fatal error stops the pipeline.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		if err := e.transport.Serve(); err != nil {
			logging.L().Error("transport stopped", logging.Error(err))
		}
	}()
	e.transport.Ready()

	err := e.coord.Run(ctx, e.source)
	e.close()
	return err
}

func (e *Engine) close() {
	if e.transport != nil {
		e.transport.Stop()
	}
	if e.source != nil {
		_ = e.source.Close()
	}
	if e.sink != nil {
		_ = e.sink.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.metrics != nil {
		_ = e.metrics.Close()
	}
}
