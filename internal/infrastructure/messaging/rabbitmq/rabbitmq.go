// Package rabbitmq implements the messaging contracts over RabbitMQ
// using rabbitmq/amqp091-go.  Topics map to durable queues on the
// default exchange unless rabbit.exchange routes them elsewhere.
package rabbitmq

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropExchange   = "rabbit.exchange"
	PropDurable    = "rabbit.durable"
	PropAutoDelete = "rabbit.auto_delete"
	PropPrefetch   = "rabbit.prefetch"
	PropPersistent = "rabbit.persistent"
)

// channelIface abstracts amqp.Channel for tests.
type channelIface interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// openChannel dials the broker and opens one channel.  Swapped out in
// tests.  The returned closer owns the connection; the error channel
// fires when the link drops.
var openChannel = func(uri string) (io.Closer, channelIface, chan *amqp.Error, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	return conn, ch, notify, nil
}

// Publisher sends envelopes to RabbitMQ queues.  Queues are declared
// idempotently the first time a topic is seen.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu       sync.Mutex
	conn     io.Closer
	ch       channelIface
	declared map[string]bool

	closed atomic.Bool
	stats  messaging.Counters
}

// NewPublisher builds a publisher from one broker declaration.
func NewPublisher(cfg *brokertypes.Config, logger logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		cfg:      cfg,
		logger:   logger.Named("rabbitmq").With(logging.BrokerID(cfg.BrokerID)),
		declared: make(map[string]bool),
	}, nil
}

// Initialize dials the broker.  Idempotent while the link is up.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && p.stats.IsConnected() {
		return nil
	}

	conn, ch, notify, err := openChannel(p.cfg.ConnectionURI)
	if err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "rabbitmq dial "+p.cfg.BrokerID)
	}
	p.conn = conn
	p.ch = ch
	p.declared = make(map[string]bool)
	p.stats.SetConnected(true)

	go func() {
		if amqpErr, ok := <-notify; ok && amqpErr != nil {
			p.stats.SetConnected(false)
			p.logger.Warn("rabbitmq connection lost", logging.Err(amqpErr))
		}
	}()

	p.logger.Info("rabbitmq publisher connected")
	return nil
}

// Publish sends one envelope, declaring the target queue on first use.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return messaging.ErrNotConnected
	}

	if err := p.ensureQueue(env.Topic); err != nil {
		return err
	}

	exchange := p.cfg.Properties.String(PropExchange, "")
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        env.Value,
		MessageId:   env.MessageID,
		Timestamp:   time.Now(),
	}
	if p.cfg.Properties.Bool(PropPersistent, true) {
		msg.DeliveryMode = amqp.Persistent
	}
	if len(env.Headers) > 0 {
		msg.Headers = amqp.Table{}
		for k, v := range env.Headers {
			msg.Headers[k] = v
		}
	}

	if err := ch.PublishWithContext(ctx, exchange, env.Topic, false, false, msg); err != nil {
		p.stats.PublishError(err)
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "rabbitmq publish to "+env.Topic)
	}
	p.stats.Published()
	return nil
}

// PublishBatch sends sequentially; AMQP has no native batch publish.
func (p *Publisher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*messaging.BatchResult, error) {
	res := &messaging.BatchResult{}
	for i, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, messaging.BatchItemError{Index: i, Topic: env.Topic, Err: err})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Flush is a no-op: publishes are synchronous.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close shuts the channel and connection down.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) ensureQueue(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[topic] || p.ch == nil {
		return nil
	}
	_, err := p.ch.QueueDeclare(topic,
		p.cfg.Properties.Bool(PropDurable, true),
		p.cfg.Properties.Bool(PropAutoDelete, false),
		false, false, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "rabbitmq declare queue "+topic)
	}
	p.declared[topic] = true
	return nil
}

// Subscriber consumes RabbitMQ queues, one consumer per topic.
type Subscriber struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu        sync.Mutex
	conn      io.Closer
	ch        channelIface
	deliverBy map[string]messaging.DeliveryFunc
	baseCtx   context.Context
	cancel    context.CancelFunc

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	stats   messaging.Counters
}

// NewSubscriber builds a subscriber from one broker declaration.
func NewSubscriber(cfg *brokertypes.Config, logger logging.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return &Subscriber{
		cfg:       cfg,
		logger:    logger.Named("rabbitmq").With(logging.BrokerID(cfg.BrokerID)),
		deliverBy: make(map[string]messaging.DeliveryFunc),
	}, nil
}

// Initialize dials the broker and applies the prefetch window.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && s.stats.IsConnected() {
		return nil
	}

	conn, ch, notify, err := openChannel(s.cfg.ConnectionURI)
	if err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "rabbitmq dial "+s.cfg.BrokerID)
	}
	if err := ch.Qos(s.cfg.Properties.Int(PropPrefetch, 32), 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "rabbitmq qos "+s.cfg.BrokerID)
	}
	s.conn = conn
	s.ch = ch
	s.stats.SetConnected(true)

	go func() {
		if amqpErr, ok := <-notify; ok && amqpErr != nil {
			s.stats.SetConnected(false)
			s.logger.Warn("rabbitmq connection lost", logging.Err(amqpErr))
		}
	}()
	return nil
}

// Subscribe registers fn for topic.  Consumption begins at Start; a
// topic added afterwards starts consuming immediately.
func (s *Subscriber) Subscribe(topic string, fn messaging.DeliveryFunc) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	s.deliverBy[topic] = fn
	startNow := s.running.Load()
	s.mu.Unlock()

	if startNow {
		return s.consumeTopic(topic)
	}
	return nil
}

// Unsubscribe drops the handler; in-flight deliveries finish.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	s.mu.Unlock()
	return nil
}

// Start begins consuming every registered topic.
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
		if err := s.consumeTopic(t); err != nil {
			return err
		}
	}
	s.logger.Info("rabbitmq subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) consumeTopic(topic string) error {
	s.mu.Lock()
	ch := s.ch
	ctx := s.baseCtx
	s.mu.Unlock()
	if ch == nil {
		return messaging.ErrNotConnected
	}

	_, err := ch.QueueDeclare(topic,
		s.cfg.Properties.Bool(PropDurable, true),
		s.cfg.Properties.Bool(PropAutoDelete, false),
		false, false, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "rabbitmq declare queue "+topic)
	}

	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "rabbitmq consume "+topic)
	}

	s.wg.Add(1)
	go s.deliverLoop(ctx, topic, deliveries)
	s.logger.Info("consuming queue", logging.Topic(topic))
	return nil
}

func (s *Subscriber) deliverLoop(ctx context.Context, topic string, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.stats.Consumed()

			env := brokertypes.NewEnvelope(topic, d.Body)
			env.MessageID = d.MessageId
			for k, v := range d.Headers {
				if sv, ok := v.(string); ok {
					env = env.WithHeader(k, sv)
				}
			}
			env = env.Stamp(s.cfg.BrokerID)

			s.mu.Lock()
			fn := s.deliverBy[topic]
			s.mu.Unlock()

			if fn == nil {
				_ = d.Ack(false)
				continue
			}
			if err := fn(ctx, env); err != nil {
				s.stats.ConsumeError(err)
				s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close cancels the delivery loops and shuts the link down.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	ch := s.ch
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	s.wg.Wait()
	s.stats.SetConnected(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
