package kafka

import (
	"context"
	"sync/atomic"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// writerIface abstracts segkafka.Writer for tests.
type writerIface interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// Publisher sends envelopes through one kafka.Writer.  The writer
// handles its own connection pool, so Initialize only verifies the
// configuration and Connected reflects the last write outcome.
type Publisher struct {
	opts   *options
	writer writerIface
	logger logging.Logger
	closed atomic.Bool
	stats  messaging.Counters
}

// NewPublisher builds a publisher from one broker declaration.
func NewPublisher(cfg *brokertypes.Config, logger logging.Logger) (*Publisher, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	transport := &segkafka.Transport{DialTimeout: 10 * time.Second}
	if opts.tlsConfig != nil {
		transport.TLS = opts.tlsConfig
	}
	if opts.saslMechanism != nil {
		transport.SASL = opts.saslMechanism
	}

	writer := &segkafka.Writer{
		Addr:         segkafka.TCP(opts.addrs...),
		Balancer:     opts.balancer,
		RequiredAcks: opts.acks,
		Compression:  opts.compression,
		WriteTimeout: opts.writeTO,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    transport,
	}

	return &Publisher{
		opts:   opts,
		writer: writer,
		logger: logger.Named("kafka").With(logging.BrokerID(cfg.BrokerID)),
	}, nil
}

// Initialize marks the publisher ready.  kafka-go dials lazily on the
// first write.
func (p *Publisher) Initialize(ctx context.Context) error {
	p.stats.SetConnected(true)
	return nil
}

// Publish sends one envelope to env.Topic.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(env)); err != nil {
		p.stats.PublishError(err)
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "kafka publish to "+env.Topic)
	}
	p.stats.SetConnected(true)
	p.stats.Published()

	p.logger.Debug("message published",
		logging.Topic(env.Topic),
		logging.Int64("latency_ms", time.Since(start).Milliseconds()))
	return nil
}

// PublishBatch sends many envelopes in one writer call, mapping
// kafka-go's per-message WriteErrors back onto batch positions.
func (p *Publisher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*messaging.BatchResult, error) {
	if p.closed.Load() {
		return nil, messaging.ErrPublisherClosed
	}
	if len(envs) == 0 {
		return &messaging.BatchResult{}, nil
	}

	msgs := make([]segkafka.Message, len(envs))
	for i, env := range envs {
		msgs[i] = toKafkaMessage(env)
	}

	res := &messaging.BatchResult{}
	err := p.writer.WriteMessages(ctx, msgs...)
	switch werrs := err.(type) {
	case nil:
		res.Succeeded = len(envs)
	case segkafka.WriteErrors:
		for i, we := range werrs {
			if we != nil {
				res.Failed++
				res.Errors = append(res.Errors, messaging.BatchItemError{
					Index: i,
					Topic: envs[i].Topic,
					Err:   we,
				})
			} else {
				res.Succeeded++
			}
		}
	default:
		res.Failed = len(envs)
		res.Errors = append(res.Errors, messaging.BatchItemError{Index: -1, Err: err})
	}

	p.stats.PublishedN(res.Succeeded)
	if res.Failed > 0 {
		p.stats.PublishErrorsN(res.Failed, err)
	}

	if res.Failed > 0 {
		p.logger.Warn("batch published with failures",
			logging.Int("succeeded", res.Succeeded),
			logging.Int("failed", res.Failed))
	} else {
		p.logger.Debug("batch published", logging.Int("count", res.Succeeded))
	}
	return res, nil
}

// Flush is a no-op: the writer sends synchronously.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close shuts the writer down.  Idempotent.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stats.SetConnected(false)
	err := p.writer.Close()
	p.logger.Info("kafka publisher closed",
		logging.Int64("published", p.stats.Snapshot(0).Published))
	return err
}
