package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"streamingest/internal/logging"
	"streamingest/internal/model"
)

type SaramaDriver struct {
	cfg     Config
	initial int64
	cl      sarama.Client
	group   sarama.ConsumerGroup
}

func (d *SaramaDriver) Configure(config Config) error {
	d.cfg = config

	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	d.initial = sc.Consumer.Offsets.Initial

	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.ClientID = "streamingest-" + uuid.NewString()[:8]
	sc.Consumer.Return.Errors = true
	// progress lives in the checkpoint store, never in the group
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Group.Session.Timeout = config.SessionTimeout
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	switch config.Rebalance {
	case "range":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	case "roundrobin":
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	default:
		sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config: %w", err)
	}
	return sc, nil
}

// Run joins the group and hands every claim to h until ctx is done. Each
// rebalance starts a new session; Setup re-seeks every claim from h.Resume.
func (d *SaramaDriver) Run(ctx context.Context, h Handler) error {
	handler := &groupHandler{handler: h, initial: d.initial}

	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: consumer group error", logging.Error(err))
		}
	}()

	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (d *SaramaDriver) Close() error {
	if d.group != nil {
		_ = d.group.Close()
	}
	if d.cl != nil && !d.cl.Closed() {
		_ = d.cl.Close()
	}
	return nil
}

type groupHandler struct {
	handler Handler
	initial int64
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	for topic, partitions := range sess.Claims() {
		for _, p := range partitions {
			off, found, err := h.handler.Resume(sess.Context(), topic, p)
			switch {
			case err != nil:
				// the worker reloads and filters; delivery just starts earlier
				logging.L().Warn("sarama-driver: resume failed, not seeking",
					logging.Stream(topic), logging.Partition(p), logging.Error(err))
			case found:
				seek(claimOffsets{sess, topic, p}, off+1)
			default:
				sess.ResetOffset(topic, p, h.initial, "")
			}
		}
	}
	logging.L().Info("sarama-driver: session started",
		"generation", sess.GenerationID(), "member", sess.MemberID(), "claims", sess.Claims())
	return nil
}

// partitionOffsets is the seek surface shared by a session claim and a
// sarama.PartitionOffsetManager.
type partitionOffsets interface {
	ResetOffset(offset int64, metadata string)
	MarkOffset(offset int64, metadata string)
}

// seek moves the next fetch position to off in either direction. Sarama's
// ResetOffset only moves backwards and MarkOffset only forwards; the group
// never commits, so the marked offset is never written to the broker.
func seek(po partitionOffsets, off int64) {
	po.ResetOffset(off, "")
	po.MarkOffset(off, "")
}

type claimOffsets struct {
	sess      sarama.ConsumerGroupSession
	topic     string
	partition int32
}

func (c claimOffsets) ResetOffset(off int64, md string) {
	c.sess.ResetOffset(c.topic, c.partition, off, md)
}

func (c claimOffsets) MarkOffset(off int64, md string) {
	c.sess.MarkOffset(c.topic, c.partition, off, md)
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	logging.L().Info("sarama-driver: session ended", "generation", sess.GenerationID())
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	return h.handler.Serve(sess.Context(), &saramaClaim{claim: claim})
}

type saramaClaim struct {
	claim sarama.ConsumerGroupClaim
}

func (c *saramaClaim) Stream() string   { return c.claim.Topic() }
func (c *saramaClaim) Partition() int32 { return c.claim.Partition() }

func (c *saramaClaim) Next(ctx context.Context) (model.Event, error) {
	select {
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	case msg, ok := <-c.claim.Messages():
		if !ok {
			return model.Event{}, ErrEndOfPartition
		}
		return model.Event{
			Stream:     msg.Topic,
			Partition:  msg.Partition,
			Offset:     msg.Offset,
			EnqueuedAt: msg.Timestamp,
			Key:        msg.Key,
			Payload:    msg.Value,
			Headers:    toHeaderMap(msg.Headers),
		}, nil
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
