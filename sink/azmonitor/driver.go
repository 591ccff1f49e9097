// Package azmonitor forwards records to Azure Monitor through the Logs
// Ingestion API (data collection endpoint + data collection rule).
package azmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/monitor/ingestion/azlogs"

	"streamingest/internal/credential"
	"streamingest/internal/model"
	"streamingest/sink"
)

type Config struct {
	Endpoint   string `koanf:"endpoint" yaml:"endpoint"`       // data collection endpoint URI
	RuleID     string `koanf:"rule_id" yaml:"rule_id"`         // DCR immutable id
	StreamName string `koanf:"stream_name" yaml:"stream_name"` // e.g. Custom-APIMOpenAILogs_CL
}

type driver struct {
	cfg       Config
	cred      azcore.TokenCredential
	transport policy.Transporter // tests only
	client    *azlogs.Client
}

func (d *driver) BindCredential(c azcore.TokenCredential) { d.cred = c }

func (d *driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("azmonitor-sink: expected Config, got %T", raw)
	}
	if cfg.Endpoint == "" || cfg.RuleID == "" || cfg.StreamName == "" {
		return errors.New("azmonitor-sink: endpoint, rule_id and stream_name are required")
	}
	if d.cred == nil {
		return errors.New("azmonitor-sink: no credential bound")
	}
	d.cfg = cfg

	// the pipeline owns retries; one attempt per Submit
	opts := &azlogs.ClientOptions{}
	opts.Retry = policy.RetryOptions{MaxRetries: -1}
	if d.transport != nil {
		opts.Transport = d.transport
	}
	client, err := azlogs.NewClient(cfg.Endpoint, d.cred, opts)
	if err != nil {
		return fmt.Errorf("azmonitor-sink: %w", err)
	}
	d.client = client
	return nil
}

func (d *driver) Submit(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(records)
	if err != nil {
		return sink.NewError(sink.Malformed, 0, err)
	}
	if _, err := d.client.Upload(ctx, d.cfg.RuleID, d.cfg.StreamName, body, nil); err != nil {
		return classify(err)
	}
	return nil
}

func (d *driver) Close() error { return nil }

func classify(err error) error {
	var credErr *credential.Error
	if errors.As(err, &credErr) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.StatusCode
		return sink.NewError(sink.KindForStatus(status), status, fmt.Errorf("upload rejected: %s", respErr.ErrorCode))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sink.NewError(sink.Transient, http.StatusRequestTimeout, err)
	}
	return sink.Transport(err)
}

func init() {
	sink.Register("azmonitor", func() sink.Adapter { return &driver{} })
}
