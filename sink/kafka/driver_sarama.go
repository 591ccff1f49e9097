package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"streamingest/internal/model"
	"streamingest/sink"
)

type Config struct {
	Brokers  []string `koanf:"brokers" yaml:"brokers"`
	Topic    string   `koanf:"topic" yaml:"topic"`
	Acks     int16    `koanf:"required_acks" yaml:"required_acks"` // 0,1,-1
	Version  string   `koanf:"version" yaml:"version"`
	TLSEn    bool     `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser string   `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass string   `koanf:"sasl_pass" yaml:"sasl_pass"`
	// Timeout bounds the broker ack wait and each network write.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return errors.New("kafka-sink: brokers and topic are required")
	}
	d.cfg = cfg

	sc, err := producerConfig(cfg)
	if err != nil {
		return err
	}
	d.p, err = sarama.NewSyncProducer(cfg.Brokers, sc)
	return err
}

func producerConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 0
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
		sc.Net.WriteTimeout = cfg.Timeout
	}
	return sc, nil
}

// Submit sends the batch in one SendMessages call. Records keep their
// partition order downstream because they share the source partition key.
// When ctx ends first the send keeps running in the background and the batch
// is reported as a transient failure.
func (d *driver) Submit(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for _, r := range records {
		v, err := json.Marshal(r)
		if err != nil {
			return sink.NewError(sink.Malformed, 0, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: d.cfg.Topic,
			Key:   sarama.StringEncoder(strconv.Itoa(int(r.PartitionID))),
			Value: sarama.ByteEncoder(v),
		})
	}
	done := make(chan error, 1)
	go func() { done <- d.p.SendMessages(msgs) }()
	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		return sink.Transport(ctx.Err())
	}
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	return d.p.Close()
}

func classify(err error) error {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		err = perrs[0].Err
	}
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return sink.NewError(sink.Malformed, 0, err)
	case errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrSASLAuthenticationFailed),
		errors.Is(err, sarama.ErrClusterAuthorizationFailed):
		return sink.NewError(sink.Unauthorized, 0, err)
	case errors.Is(err, sarama.ErrThrottlingQuotaExceeded):
		return sink.NewError(sink.Throttled, 0, err)
	default:
		return sink.NewError(sink.Transient, 0, err)
	}
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
