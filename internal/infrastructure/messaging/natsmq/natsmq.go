// Package natsmq implements the messaging contracts over core NATS
// using nats-io/nats.go.  Subscribers join a queue group so that a
// subject is consumed once per gateway cluster, mirroring consumer
// groups on the log-based transports.  Core NATS is at-most-once:
// there is no redelivery after a failed handler, only accounting.
package natsmq

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropQueueGroup     = "nats.queue_group"
	PropClientName     = "nats.name"
	PropFlushTimeoutMs = "nats.flush_timeout_ms"
)

const (
	defaultQueueGroup = "dgf-gateway"
	msgIDHeader       = "Message-Id"
)

// subscriptionIface abstracts nats.Subscription for tests.
type subscriptionIface interface {
	Unsubscribe() error
}

// connIface abstracts nats.Conn for tests.
type connIface interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (subscriptionIface, error)
	FlushTimeout(d time.Duration) error
	IsConnected() bool
	Drain() error
	Close()
}

type natsConn struct{ *nats.Conn }

func (c natsConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (subscriptionIface, error) {
	return c.Conn.QueueSubscribe(subj, queue, cb)
}

// dialNATS connects to the server.  Swapped out in tests.  The client
// library owns reconnection; handlers only keep the stats honest.
var dialNATS = func(cfg *brokertypes.Config, logger logging.Logger, counters *messaging.Counters) (connIface, error) {
	opts := []nats.Option{
		nats.Name(cfg.Properties.String(PropClientName, defaultQueueGroup)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			counters.SetConnected(false)
			if err != nil {
				logger.Warn("nats disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			counters.Reconnect()
			counters.SetConnected(true)
			logger.Info("nats reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.ConnectionURI, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{conn}, nil
}

// Publisher sends envelopes as NATS messages.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu   sync.Mutex
	conn connIface

	closed atomic.Bool
	stats  messaging.Counters
}

// NewPublisher builds a publisher from one broker declaration.
func NewPublisher(cfg *brokertypes.Config, logger logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.Named("nats").With(logging.BrokerID(cfg.BrokerID)),
	}, nil
}

// Initialize connects to the server.  Idempotent while the link is up.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.IsConnected() {
		return nil
	}

	conn, err := dialNATS(p.cfg, p.logger, &p.stats)
	if err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "nats connect "+p.cfg.BrokerID)
	}
	p.conn = conn
	p.stats.SetConnected(true)
	p.logger.Info("nats publisher connected")
	return nil
}

// Publish sends one envelope on its topic subject.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return messaging.ErrNotConnected
	}

	msg := &nats.Msg{Subject: env.Topic, Data: env.Value, Header: nats.Header{}}
	msg.Header.Set(msgIDHeader, env.MessageID)
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}

	if err := conn.PublishMsg(msg); err != nil {
		p.stats.PublishError(err)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "nats publish to "+env.Topic)
	}
	p.stats.Published()
	return nil
}

// PublishBatch sends sequentially and flushes once at the end.
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
	if res.Succeeded > 0 {
		_ = p.Flush(ctx)
	}
	return res, nil
}

// Flush forces buffered messages onto the wire.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return messaging.ErrNotConnected
	}
	timeout := time.Duration(p.cfg.Properties.Int(PropFlushTimeoutMs, 2000)) * time.Millisecond
	return conn.FlushTimeout(timeout)
}

func (p *Publisher) Connected() bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	return conn != nil && conn.IsConnected() && !p.closed.Load()
}

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close drains buffered messages and drops the connection.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	if p.conn != nil {
		err := p.conn.Drain()
		p.conn.Close()
		return err
	}
	return nil
}

// Subscriber consumes subjects inside a shared queue group.
type Subscriber struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu        sync.Mutex
	conn      connIface
	deliverBy map[string]messaging.DeliveryFunc
	subs      map[string]subscriptionIface
	baseCtx   context.Context
	cancel    context.CancelFunc

	running atomic.Bool
	closed  atomic.Bool
	stats   messaging.Counters
}

// NewSubscriber builds a subscriber from one broker declaration.
func NewSubscriber(cfg *brokertypes.Config, logger logging.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return &Subscriber{
		cfg:       cfg,
		logger:    logger.Named("nats").With(logging.BrokerID(cfg.BrokerID)),
		deliverBy: make(map[string]messaging.DeliveryFunc),
		subs:      make(map[string]subscriptionIface),
	}, nil
}

// Initialize connects to the server.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.IsConnected() {
		return nil
	}

	conn, err := dialNATS(s.cfg, s.logger, &s.stats)
	if err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "nats connect "+s.cfg.BrokerID)
	}
	s.conn = conn
	s.stats.SetConnected(true)
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
	startNow := s.running.Load() && s.subs[topic] == nil
	s.mu.Unlock()

	if startNow {
		return s.consumeTopic(topic)
	}
	return nil
}

// Unsubscribe drops the handler and the server-side subscription.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	sub := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Start subscribes every registered topic inside the queue group.
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
	s.logger.Info("nats subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) consumeTopic(topic string) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.baseCtx
	s.mu.Unlock()
	if conn == nil {
		return messaging.ErrNotConnected
	}

	group := s.cfg.Properties.String(PropQueueGroup, defaultQueueGroup)
	sub, err := conn.QueueSubscribe(topic, group, func(m *nats.Msg) {
		s.dispatch(ctx, topic, m)
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "nats subscribe "+topic)
	}

	s.mu.Lock()
	s.subs[topic] = sub
	s.mu.Unlock()
	s.logger.Info("consuming subject", logging.Topic(topic))
	return nil
}

// dispatch runs on the client library's delivery goroutine.
func (s *Subscriber) dispatch(ctx context.Context, topic string, m *nats.Msg) {
	if ctx.Err() != nil || s.closed.Load() {
		return
	}
	s.stats.Consumed()

	env := brokertypes.NewEnvelope(topic, m.Data)
	if id := m.Header.Get(msgIDHeader); id != "" {
		env.MessageID = id
	}
	for k, vs := range m.Header {
		if strings.EqualFold(k, msgIDHeader) || len(vs) == 0 {
			continue
		}
		env = env.WithHeader(k, vs[0])
	}
	env = env.Stamp(s.cfg.BrokerID)

	s.mu.Lock()
	fn := s.deliverBy[topic]
	s.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(ctx, env); err != nil {
		s.stats.ConsumeError(err)
		s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
	}
}

func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.IsConnected() && !s.closed.Load()
}

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close unsubscribes every subject and drops the connection.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	subs := make([]subscriptionIface, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	s.stats.SetConnected(false)
	if conn != nil {
		err := conn.Drain()
		conn.Close()
		return err
	}
	return nil
}
