// Package opensearch indexes records with the _bulk API. A batch counts as
// accepted only when every item was indexed.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"streamingest/internal/model"
	"streamingest/sink"
)

type Config struct {
	Addresses     []string `koanf:"addresses" yaml:"addresses"`
	Username      string   `koanf:"username" yaml:"username"`
	Password      string   `koanf:"password" yaml:"password"`
	Index         string   `koanf:"index" yaml:"index"`
	TLSSkipVerify bool     `koanf:"tls_skip_verify" yaml:"tls_skip_verify"`
}

type driver struct {
	cfg    Config
	client *opensearch.Client
}

func (d *driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("opensearch-sink: expected Config, got %T", raw)
	}
	if len(cfg.Addresses) == 0 || cfg.Index == "" {
		return errors.New("opensearch-sink: addresses and index are required")
	}
	d.cfg = cfg

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
		DisableRetry: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create opensearch client: %w", err)
	}
	d.client = client
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (d *driver) Submit(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	var body bytes.Buffer
	for _, r := range records {
		// stream+partition+offset makes a resend overwrite instead of duplicate
		meta := fmt.Sprintf(`{"index":{"_id":"%s-%d-%d"}}`, r.Stream, r.PartitionID, r.SequenceNumber)
		body.WriteString(meta)
		body.WriteByte('\n')
		data, err := json.Marshal(r)
		if err != nil {
			return sink.NewError(sink.Malformed, 0, err)
		}
		body.Write(data)
		body.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Index: d.cfg.Index, Body: &body}.Do(ctx, d.client)
	if err != nil {
		return sink.Transport(err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.IsError() {
		return sink.NewError(sink.KindForStatus(res.StatusCode), res.StatusCode, fmt.Errorf("bulk: %s", raw))
	}

	var br bulkResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		return sink.NewError(sink.Transient, res.StatusCode, fmt.Errorf("decode bulk response: %w", err))
	}
	if !br.Errors {
		return nil
	}
	return itemFailure(br)
}

// itemFailure collapses per-item results into one batch error. The worst
// item decides: a permanent rejection outranks throttling or a 5xx.
func itemFailure(br bulkResponse) error {
	var worst *sink.Error
	failed := 0
	for _, item := range br.Items {
		for _, res := range item {
			if res.Error == nil && res.Status < 300 {
				continue
			}
			failed++
			reason := "unknown"
			if res.Error != nil {
				reason = res.Error.Type + ": " + res.Error.Reason
			}
			e := sink.NewError(sink.KindForStatus(res.Status), res.Status, errors.New(reason))
			if worst == nil || (worst.Retryable && !e.Retryable) {
				worst = e
			}
		}
	}
	if worst == nil {
		return sink.NewError(sink.Transient, 0, errors.New("bulk reported errors without failed items"))
	}
	worst.Err = fmt.Errorf("%d of %d items failed, first worst: %w", failed, len(br.Items), worst.Err)
	return worst
}

func (d *driver) Close() error { return nil }

func init() {
	sink.Register("opensearch", func() sink.Adapter { return &driver{} })
}
