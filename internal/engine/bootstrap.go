package engine

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"streamingest/checkpoint"
	"streamingest/internal/config"
	"streamingest/internal/credential"
	"streamingest/internal/logging"
	"streamingest/internal/pipeline"
	"streamingest/internal/telemetry"
	"streamingest/internal/transform"
	"streamingest/internal/transport"
	"streamingest/sink"
	"streamingest/source/kafka"
)

func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	e := &Engine{}
	ok := false
	defer func() {
		if !ok {
			e.close()
		}
	}()

	// 1. credentials, shared by the sink and the checkpoint store
	cred, err := Credential(cfg)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}

	// 2. checkpoint store
	if e.store, err = OpenStore(ctx, cfg, cred); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	// 3. sink
	if e.sink, err = openSink(cfg, cred); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	// 4. source
	if e.source, err = kafka.NewAdapter(cfg.Stream.Driver); err != nil {
		return nil, err
	}
	if err := e.source.Configure(cfg.Stream); err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}

	// 5. transport server
	if e.transport, err = transport.StartServer(cfg.Telemetry.GRPCPort); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 6. pipeline
	e.coord = pipeline.NewCoordinator(e.store, e.sink, transform.APIMLog, cfg.Pipeline, e.transport)

	// 7. metrics
	e.metrics = telemetry.Expose(ctx, cfg.Telemetry.MetricsPort)

	logging.L().Info("engine ready",
		"topics", cfg.Stream.Topics, "group", cfg.Stream.GroupID,
		"sink", cfg.Sink.Driver, "checkpoint", cfg.Checkpoint.Backend,
		"grpc_port", cfg.Telemetry.GRPCPort, "metrics_port", cfg.Telemetry.MetricsPort)
	ok = true
	return e, nil
}

// Credential returns the shared token provider, or nil when no configured
// component authenticates with Azure AD.
func Credential(cfg config.Config) (azcore.TokenCredential, error) {
	needed := cfg.Sink.Driver == "azmonitor" ||
		(cfg.Checkpoint.Backend == "azblob" && cfg.Checkpoint.AzBlob.ConnectionString == "")
	if !needed {
		return nil, nil
	}
	src, err := credential.NewSource(cfg.Credential)
	if err != nil {
		return nil, err
	}
	return credential.NewProvider(src, cfg.Credential), nil
}

func OpenStore(ctx context.Context, cfg config.Config, cred azcore.TokenCredential) (checkpoint.Store, error) {
	return checkpoint.Open(ctx, cfg.Checkpoint, checkpoint.Deps{Credential: cred})
}

func openSink(cfg config.Config, cred azcore.TokenCredential) (sink.Adapter, error) {
	s, err := sink.NewAdapter(cfg.Sink.Driver)
	if err != nil {
		return nil, err
	}
	if ca, ok := s.(sink.CredentialAware); ok && cred != nil {
		ca.BindCredential(cred)
	}
	dc, err := cfg.Sink.DriverConfig()
	if err != nil {
		return nil, err
	}
	if err := s.Configure(dc); err != nil {
		return nil, err
	}
	return s, nil
}
