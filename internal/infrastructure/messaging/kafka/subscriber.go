package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// readerIface abstracts segkafka.Reader for tests.
type readerIface interface {
	FetchMessage(ctx context.Context) (segkafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// newReader is swapped out in tests.
var newReader = func(cfg segkafka.ReaderConfig) readerIface {
	return segkafka.NewReader(cfg)
}

// Subscriber consumes topics through one kafka.Reader per topic, all
// sharing the configured consumer group.  Registration happens before
// Start; each topic gets its own receive goroutine.
type Subscriber struct {
	opts   *options
	dialer *segkafka.Dialer
	logger logging.Logger

	mu        sync.Mutex
	deliverBy map[string]messaging.DeliveryFunc
	readers   map[string]readerIface

	running atomic.Bool
	closed  atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats messaging.Counters
}

// NewSubscriber builds a subscriber from one broker declaration.
func NewSubscriber(cfg *brokertypes.Config, logger logging.Logger) (*Subscriber, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	dialer := &segkafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if opts.tlsConfig != nil {
		dialer.TLS = opts.tlsConfig
	}
	if opts.saslMechanism != nil {
		dialer.SASLMechanism = opts.saslMechanism
	}

	return &Subscriber{
		opts:      opts,
		dialer:    dialer,
		logger:    logger.Named("kafka").With(logging.BrokerID(cfg.BrokerID)),
		deliverBy: make(map[string]messaging.DeliveryFunc),
		readers:   make(map[string]readerIface),
	}, nil
}

// Initialize marks the subscriber ready; readers dial on Start.
func (s *Subscriber) Initialize(ctx context.Context) error {
	s.stats.SetConnected(true)
	return nil
}

// Subscribe registers fn for topic, replacing any previous handler.
// Topics added after Start get their reader immediately.
func (s *Subscriber) Subscribe(topic string, fn messaging.DeliveryFunc) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	s.deliverBy[topic] = fn
	needReader := s.running.Load() && s.readers[topic] == nil
	s.mu.Unlock()

	if needReader {
		s.startTopic(topic)
	}
	s.logger.Info("subscribed", logging.Topic(topic))
	return nil
}

// Unsubscribe stops consumption of topic.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	r := s.readers[topic]
	delete(s.readers, topic)
	s.mu.Unlock()

	if r != nil {
		_ = r.Close()
	}
	s.logger.Info("unsubscribed", logging.Topic(topic))
	return nil
}

// Start launches one receive loop per registered topic.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	if s.running.Swap(true) {
		return messaging.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.baseCtx = ctx
	s.cancel = cancel
	topics := make([]string, 0, len(s.deliverBy))
	for t := range s.deliverBy {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, t := range topics {
		s.startTopic(t)
	}
	s.logger.Info("kafka subscriber started",
		logging.String("group", s.opts.group), logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) startTopic(topic string) {
	reader := newReader(segkafka.ReaderConfig{
		Brokers:     s.opts.addrs,
		GroupID:     s.opts.group,
		Topic:       topic,
		StartOffset: s.opts.start,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		Dialer:      s.dialer,
	})

	s.mu.Lock()
	s.readers[topic] = reader
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeLoop(ctx, topic, reader)
}

func (s *Subscriber) consumeLoop(ctx context.Context, topic string, reader readerIface) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats.ConsumeError(err)
			s.logger.Error("fetch failed", logging.Topic(topic), logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		s.stats.Consumed()
		env := fromKafkaMessage(s.opts.brokerID, m)

		s.mu.Lock()
		fn := s.deliverBy[topic]
		s.mu.Unlock()

		if fn != nil {
			if err := fn(ctx, env); err != nil {
				s.stats.ConsumeError(err)
				s.logger.Error("delivery failed",
					logging.Topic(topic),
					logging.Int64("offset", m.Offset),
					logging.Err(err))
			}
		}

		// Commit regardless: a handler failure must not wedge the
		// partition.
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			s.logger.Error("commit failed", logging.Topic(topic), logging.Err(err))
		}
	}
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close stops every reader and waits for the loops to exit.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	readers := make([]readerIface, 0, len(s.readers))
	for _, r := range s.readers {
		readers = append(readers, r)
	}
	s.readers = make(map[string]readerIface)
	s.mu.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	s.wg.Wait()
	s.stats.SetConnected(false)

	s.logger.Info("kafka subscriber closed",
		logging.Int64("consumed", s.stats.Snapshot(0).Consumed))
	return nil
}
