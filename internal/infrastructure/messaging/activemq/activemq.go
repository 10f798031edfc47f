// Package activemq implements the messaging contracts over the STOMP
// protocol using go-stomp, the wire ActiveMQ exposes on port 61613.
// Topics map to broker destinations under a configurable prefix.
package activemq

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropLogin       = "stomp.login"
	PropPasscode    = "stomp.passcode"
	PropDestPrefix  = "stomp.destination_prefix"
	PropHeartbeatMs = "stomp.heartbeat_ms"
	PropPersistent  = "stomp.persistent"
)

const defaultDestPrefix = "/queue/"

// subscriptionIface abstracts stomp.Subscription for tests.
type subscriptionIface interface {
	Read() (*stomp.Message, error)
	Unsubscribe(opts ...func(*frame.Frame) error) error
}

// connIface abstracts stomp.Conn for tests.
type connIface interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscriptionIface, error)
	Ack(m *stomp.Message) error
	Nack(m *stomp.Message) error
	Disconnect() error
}

// stompConn adapts *stomp.Conn to connIface; Subscribe narrows the
// concrete subscription to the interface.
type stompConn struct{ *stomp.Conn }

func (c stompConn) Subscribe(dest string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (subscriptionIface, error) {
	return c.Conn.Subscribe(dest, ack, opts...)
}

// dialStomp opens a STOMP connection.  Swapped out in tests.
var dialStomp = func(cfg *brokertypes.Config) (connIface, error) {
	opts := []func(*stomp.Conn) error{}
	if login := cfg.Properties.String(PropLogin, ""); login != "" {
		opts = append(opts, stomp.ConnOpt.Login(login, cfg.Properties.String(PropPasscode, "")))
	}
	if hb := cfg.Properties.Int(PropHeartbeatMs, 0); hb > 0 {
		d := time.Duration(hb) * time.Millisecond
		opts = append(opts, stomp.ConnOpt.HeartBeat(d, d))
	}
	conn, err := stomp.Dial("tcp", stompAddr(cfg.ConnectionURI), opts...)
	if err != nil {
		return nil, err
	}
	return stompConn{conn}, nil
}

// stompAddr strips the scheme from a connection URI, leaving host:port.
func stompAddr(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
	}
	return strings.TrimSuffix(uri, "/")
}

// destination maps a topic onto a broker destination.  Topics that
// already carry a leading slash are taken verbatim.
func destination(props brokertypes.Properties, topic string) string {
	if strings.HasPrefix(topic, "/") {
		return topic
	}
	return props.String(PropDestPrefix, defaultDestPrefix) + topic
}

// Publisher sends envelopes to ActiveMQ destinations.
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
		logger: logger.Named("activemq").With(logging.BrokerID(cfg.BrokerID)),
	}, nil
}

// Initialize dials the broker.  Idempotent while the link is up.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.stats.IsConnected() {
		return nil
	}

	conn, err := dialStomp(p.cfg)
	if err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "activemq dial "+p.cfg.BrokerID)
	}
	p.conn = conn
	p.stats.SetConnected(true)
	p.logger.Info("activemq publisher connected")
	return nil
}

// Publish sends one envelope as a STOMP SEND frame.
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

	opts := []func(*frame.Frame) error{}
	if p.cfg.Properties.Bool(PropPersistent, true) {
		opts = append(opts, stomp.SendOpt.Header("persistent", "true"))
	}
	if env.MessageID != "" {
		opts = append(opts, stomp.SendOpt.Header("message-id", env.MessageID))
	}
	for k, v := range env.Headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}

	dest := destination(p.cfg.Properties, env.Topic)
	if err := conn.Send(dest, "application/json", env.Value, opts...); err != nil {
		p.stats.PublishError(err)
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "activemq send to "+dest)
	}
	p.stats.Published()
	return nil
}

// PublishBatch sends sequentially; STOMP has no native batch frame.
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

// Flush is a no-op: frames are written synchronously.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	if p.conn != nil {
		return p.conn.Disconnect()
	}
	return nil
}

// Subscriber consumes ActiveMQ destinations with client-individual
// acknowledgement, one subscription per topic.
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
		logger:    logger.Named("activemq").With(logging.BrokerID(cfg.BrokerID)),
		deliverBy: make(map[string]messaging.DeliveryFunc),
		subs:      make(map[string]subscriptionIface),
	}, nil
}

// Initialize dials the broker.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.stats.IsConnected() {
		return nil
	}

	conn, err := dialStomp(s.cfg)
	if err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "activemq dial "+s.cfg.BrokerID)
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

// Unsubscribe drops the handler and cancels the broker subscription.
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
	s.logger.Info("activemq subscriber started", logging.Int("topics", len(topics)))
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

	dest := destination(s.cfg.Properties, topic)
	sub, err := conn.Subscribe(dest, stomp.AckClientIndividual)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "activemq subscribe "+dest)
	}

	s.mu.Lock()
	s.subs[topic] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx, topic, sub)
	s.logger.Info("consuming destination", logging.Topic(topic))
	return nil
}

// readLoop drains one subscription until it completes or the context
// ends.  Read has no context hook, so Close unblocks it by
// unsubscribing.
func (s *Subscriber) readLoop(ctx context.Context, topic string, sub subscriptionIface) {
	defer s.wg.Done()

	for {
		msg, err := sub.Read()
		if err != nil {
			if ctx.Err() == nil && !s.closed.Load() {
				s.stats.SetConnected(false)
				s.logger.Warn("subscription ended", logging.Topic(topic), logging.Err(err))
			}
			return
		}
		s.stats.Consumed()
		s.deliver(ctx, topic, msg)
	}
}

func (s *Subscriber) deliver(ctx context.Context, topic string, msg *stomp.Message) {
	env := brokertypes.NewEnvelope(topic, msg.Body)
	if msg.Header != nil {
		env.MessageID = msg.Header.Get("message-id")
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			switch k {
			case "message-id", "destination", "subscription", "content-type", "content-length":
			default:
				env = env.WithHeader(k, v)
			}
		}
	}
	env = env.Stamp(s.cfg.BrokerID)

	s.mu.Lock()
	fn := s.deliverBy[topic]
	conn := s.conn
	s.mu.Unlock()

	if fn == nil {
		_ = conn.Ack(msg)
		return
	}
	if err := fn(ctx, env); err != nil {
		s.stats.ConsumeError(err)
		s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
		_ = conn.Nack(msg)
		return
	}
	_ = conn.Ack(msg)
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close cancels the read loops and disconnects.
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
	s.wg.Wait()
	s.stats.SetConnected(false)
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}
