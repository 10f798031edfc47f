// Package ibmmq implements the messaging contracts over AMQP 1.0
// using Azure/go-amqp, the protocol IBM MQ exposes on its AMQP
// channel (default port 5672).  Topics map to queue addresses,
// optionally under a configurable prefix.
package ibmmq

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropUsername    = "ibmmq.username"
	PropPassword    = "ibmmq.password"
	PropQueuePrefix = "ibmmq.queue_prefix"
	PropCredit      = "ibmmq.credit"
	PropDurable     = "ibmmq.durable"
)

const (
	contentTypeJSON = "application/json"
	closeTimeout    = 5 * time.Second
)

// senderIface abstracts amqp.Sender for tests.
type senderIface interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// receiverIface abstracts amqp.Receiver for tests.
type receiverIface interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	Close(ctx context.Context) error
}

// sessionIface abstracts amqp.Session for tests.
type sessionIface interface {
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (senderIface, error)
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (receiverIface, error)
}

type amqpSession struct{ *amqp.Session }

func (s amqpSession) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (senderIface, error) {
	return s.Session.NewSender(ctx, target, opts)
}

func (s amqpSession) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (receiverIface, error) {
	return s.Session.NewReceiver(ctx, source, opts)
}

// dialAMQP opens a connection and one session.  Swapped out in tests.
// The returned closer owns the connection.
var dialAMQP = func(ctx context.Context, cfg *brokertypes.Config) (io.Closer, sessionIface, error) {
	opts := &amqp.ConnOptions{}
	if user := cfg.Properties.String(PropUsername, ""); user != "" {
		opts.SASLType = amqp.SASLTypePlain(user, cfg.Properties.String(PropPassword, ""))
	}
	conn, err := amqp.Dial(ctx, cfg.ConnectionURI, opts)
	if err != nil {
		return nil, nil, err
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, amqpSession{sess}, nil
}

// address maps a topic onto a queue address.
func address(props brokertypes.Properties, topic string) string {
	return props.String(PropQueuePrefix, "") + topic
}

// Publisher sends envelopes over AMQP 1.0 links, one sender per topic.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu      sync.Mutex
	conn    io.Closer
	session sessionIface
	senders map[string]senderIface

	closed atomic.Bool
	stats  messaging.Counters
}

// NewPublisher builds a publisher from one broker declaration.
func NewPublisher(cfg *brokertypes.Config, logger logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		cfg:     cfg,
		logger:  logger.Named("ibmmq").With(logging.BrokerID(cfg.BrokerID)),
		senders: make(map[string]senderIface),
	}, nil
}

// Initialize dials the queue manager.  Idempotent while the link is up.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && p.stats.IsConnected() {
		return nil
	}

	conn, sess, err := dialAMQP(ctx, p.cfg)
	if err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "ibmmq dial "+p.cfg.BrokerID)
	}
	p.conn = conn
	p.session = sess
	p.senders = make(map[string]senderIface)
	p.stats.SetConnected(true)
	p.logger.Info("ibmmq publisher connected")
	return nil
}

// Publish sends one envelope, attaching a sender link on first use of
// the topic.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	sender, err := p.senderFor(ctx, env.Topic)
	if err != nil {
		return err
	}

	if err := sender.Send(ctx, p.toMessage(env), nil); err != nil {
		p.stats.PublishError(err)
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "ibmmq send to "+env.Topic)
	}
	p.stats.Published()
	return nil
}

func (p *Publisher) toMessage(env *brokertypes.Envelope) *amqp.Message {
	msg := amqp.NewMessage(env.Value)
	ct := contentTypeJSON
	msg.Properties = &amqp.MessageProperties{
		MessageID:   env.MessageID,
		ContentType: &ct,
	}
	if p.cfg.Properties.Bool(PropDurable, true) {
		msg.Header = &amqp.MessageHeader{Durable: true}
	}
	if len(env.Headers) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(env.Headers))
		for k, v := range env.Headers {
			msg.ApplicationProperties[k] = v
		}
	}
	return msg
}

func (p *Publisher) senderFor(ctx context.Context, topic string) (senderIface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, messaging.ErrNotConnected
	}
	if sender, ok := p.senders[topic]; ok {
		return sender, nil
	}
	sender, err := p.session.NewSender(ctx, address(p.cfg.Properties, topic), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "ibmmq attach sender "+topic)
	}
	p.senders[topic] = sender
	return sender, nil
}

// PublishBatch sends sequentially; AMQP 1.0 settles per transfer.
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

// Flush is a no-op: Send blocks until the broker settles.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close detaches every sender and drops the connection.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, sender := range p.senders {
		_ = sender.Close(ctx)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Subscriber consumes queue addresses, one receiver link per topic.
type Subscriber struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu        sync.Mutex
	conn      io.Closer
	session   sessionIface
	deliverBy map[string]messaging.DeliveryFunc
	receivers map[string]receiverIface
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
		logger:    logger.Named("ibmmq").With(logging.BrokerID(cfg.BrokerID)),
		deliverBy: make(map[string]messaging.DeliveryFunc),
		receivers: make(map[string]receiverIface),
	}, nil
}

// Initialize dials the queue manager.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.stats.IsConnected() {
		return nil
	}

	conn, sess, err := dialAMQP(ctx, s.cfg)
	if err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "ibmmq dial "+s.cfg.BrokerID)
	}
	s.conn = conn
	s.session = sess
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
	startNow := s.running.Load() && s.receivers[topic] == nil
	s.mu.Unlock()

	if startNow {
		return s.consumeTopic(topic)
	}
	return nil
}

// Unsubscribe drops the handler and detaches the receiver link.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	recv := s.receivers[topic]
	delete(s.receivers, topic)
	s.mu.Unlock()

	if recv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return recv.Close(ctx)
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
	s.logger.Info("ibmmq subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) consumeTopic(topic string) error {
	s.mu.Lock()
	sess := s.session
	ctx := s.baseCtx
	s.mu.Unlock()
	if sess == nil {
		return messaging.ErrNotConnected
	}

	credit := int32(s.cfg.Properties.Int(PropCredit, 32))
	recv, err := sess.NewReceiver(ctx, address(s.cfg.Properties, topic), &amqp.ReceiverOptions{Credit: credit})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "ibmmq attach receiver "+topic)
	}

	s.mu.Lock()
	s.receivers[topic] = recv
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(ctx, topic, recv)
	s.logger.Info("consuming address", logging.Topic(topic))
	return nil
}

func (s *Subscriber) receiveLoop(ctx context.Context, topic string, recv receiverIface) {
	defer s.wg.Done()

	for {
		msg, err := recv.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() == nil && !s.closed.Load() {
				s.stats.SetConnected(false)
				s.logger.Warn("receiver ended", logging.Topic(topic), logging.Err(err))
			}
			return
		}
		s.stats.Consumed()

		env := brokertypes.NewEnvelope(topic, msg.GetData())
		if msg.Properties != nil {
			if id, ok := msg.Properties.MessageID.(string); ok {
				env.MessageID = id
			}
		}
		for k, v := range msg.ApplicationProperties {
			if sv, ok := v.(string); ok {
				env = env.WithHeader(k, sv)
			}
		}
		env = env.Stamp(s.cfg.BrokerID)

		s.mu.Lock()
		fn := s.deliverBy[topic]
		s.mu.Unlock()

		if fn == nil {
			_ = recv.AcceptMessage(ctx, msg)
			continue
		}
		if err := fn(ctx, env); err != nil {
			s.stats.ConsumeError(err)
			s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
			_ = recv.RejectMessage(ctx, msg, &amqp.Error{Condition: "delivery-failed", Description: err.Error()})
			continue
		}
		_ = recv.AcceptMessage(ctx, msg)
	}
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close detaches every receiver and drops the connection.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	receivers := make([]receiverIface, 0, len(s.receivers))
	for _, recv := range s.receivers {
		receivers = append(receivers, recv)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ctx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	for _, recv := range receivers {
		_ = recv.Close(ctx)
	}
	s.wg.Wait()
	s.stats.SetConnected(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
