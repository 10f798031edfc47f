// Package redismq implements the messaging contracts over Redis
// Streams using go-redis.  Each topic is one stream; subscribers read
// through a consumer group with XREADGROUP and acknowledge with XACK,
// so unacked entries stay pending for redelivery.
package redismq

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Property keys understood by this transport.
const (
	PropGroup    = "redis.group"
	PropConsumer = "redis.consumer"
	PropBlockMs  = "redis.block_ms"
	PropCount    = "redis.count"
	PropMaxLen   = "redis.maxlen"
	PropStart    = "redis.start"
)

const defaultGroup = "dgf-gateway"

// Stream entry field names.
const (
	fieldValue     = "value"
	fieldMessageID = "message_id"
	fieldKey       = "key"
	fieldHeaders   = "headers"
)

// commandsIface is the slice of redis.Cmdable this transport uses,
// kept narrow so tests can fake it.
type commandsIface interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// newRedisClient builds a client from the connection URI.  Swapped
// out in tests.
var newRedisClient = func(cfg *brokertypes.Config) (commandsIface, error) {
	opts, err := redis.ParseURL(cfg.ConnectionURI)
	if err != nil {
		addr := cfg.ConnectionURI
		if i := strings.Index(addr, "://"); i >= 0 {
			addr = addr[i+3:]
		}
		opts = &redis.Options{Addr: addr}
	}
	return redis.NewClient(opts), nil
}

// Publisher appends envelopes to Redis streams.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu     sync.Mutex
	client commandsIface

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
		logger: logger.Named("redis").With(logging.BrokerID(cfg.BrokerID)),
	}, nil
}

// Initialize connects and pings the server.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.stats.IsConnected() {
		return nil
	}

	client, err := newRedisClient(p.cfg)
	if err == nil {
		err = client.Ping(ctx).Err()
	}
	if err != nil {
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "redis connect "+p.cfg.BrokerID)
	}
	p.client = client
	p.stats.SetConnected(true)
	p.logger.Info("redis publisher connected")
	return nil
}

// Publish appends one envelope to its topic stream.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return messaging.ErrNotConnected
	}

	values := map[string]interface{}{
		fieldValue:     string(env.Value),
		fieldMessageID: env.MessageID,
	}
	if env.Key != "" {
		values[fieldKey] = env.Key
	}
	if len(env.Headers) > 0 {
		hdr, err := json.Marshal(env.Headers)
		if err == nil {
			values[fieldHeaders] = string(hdr)
		}
	}

	args := &redis.XAddArgs{Stream: env.Topic, Values: values}
	if maxLen := p.cfg.Properties.Int(PropMaxLen, 0); maxLen > 0 {
		args.MaxLen = int64(maxLen)
		args.Approx = true
	}

	if err := client.XAdd(ctx, args).Err(); err != nil {
		p.stats.PublishError(err)
		p.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "redis xadd "+env.Topic)
	}
	p.stats.Published()
	return nil
}

// PublishBatch appends sequentially.
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

// Flush is a no-op: XADD is synchronous.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close drops the client connection.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Subscriber reads topic streams through a consumer group, one poll
// loop per topic.
type Subscriber struct {
	cfg      *brokertypes.Config
	logger   logging.Logger
	consumer string

	mu        sync.Mutex
	client    commandsIface
	deliverBy map[string]messaging.DeliveryFunc
	polling   map[string]bool
	baseCtx   context.Context
	cancel    context.CancelFunc

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	stats   messaging.Counters
}

// NewSubscriber builds a subscriber from one broker declaration.  The
// consumer name defaults to hostname plus a random suffix so parallel
// gateways in one group split the stream.
func NewSubscriber(cfg *brokertypes.Config, logger logging.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = logging.Default()
	}
	consumer := cfg.Properties.String(PropConsumer, "")
	if consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gateway"
		}
		consumer = host + "-" + uuid.NewString()[:8]
	}
	return &Subscriber{
		cfg:       cfg,
		logger:    logger.Named("redis").With(logging.BrokerID(cfg.BrokerID)),
		consumer:  consumer,
		deliverBy: make(map[string]messaging.DeliveryFunc),
		polling:   make(map[string]bool),
	}, nil
}

// Initialize connects and pings the server.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.stats.IsConnected() {
		return nil
	}

	client, err := newRedisClient(s.cfg)
	if err == nil {
		err = client.Ping(ctx).Err()
	}
	if err != nil {
		s.stats.SetConnected(false)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerConnect, "redis connect "+s.cfg.BrokerID)
	}
	s.client = client
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
	startNow := s.running.Load() && !s.polling[topic]
	s.mu.Unlock()

	if startNow {
		return s.consumeTopic(topic)
	}
	return nil
}

// Unsubscribe drops the handler; the poll loop exits on its next pass.
func (s *Subscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.deliverBy, topic)
	s.mu.Unlock()
	return nil
}

// Start begins polling every registered topic.
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
	s.logger.Info("redis subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) consumeTopic(topic string) error {
	s.mu.Lock()
	client := s.client
	ctx := s.baseCtx
	s.polling[topic] = true
	s.mu.Unlock()
	if client == nil {
		return messaging.ErrNotConnected
	}

	group := s.cfg.Properties.String(PropGroup, defaultGroup)
	start := s.cfg.Properties.String(PropStart, "$")
	if err := client.XGroupCreateMkStream(ctx, topic, group, start).Err(); err != nil && !isBusyGroup(err) {
		s.mu.Lock()
		delete(s.polling, topic)
		s.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerSubscribe, "redis group create "+topic)
	}

	s.wg.Add(1)
	go s.pollLoop(ctx, topic, group)
	s.logger.Info("consuming stream", logging.Topic(topic))
	return nil
}

// isBusyGroup reports the XGROUP CREATE "group exists" reply, which is
// the expected answer on every start after the first.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (s *Subscriber) pollLoop(ctx context.Context, topic, group string) {
	defer s.wg.Done()

	block := time.Duration(s.cfg.Properties.Int(PropBlockMs, 2000)) * time.Millisecond
	count := int64(s.cfg.Properties.Int(PropCount, 16))

	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		_, wanted := s.deliverBy[topic]
		client := s.client
		s.mu.Unlock()
		if !wanted || client == nil {
			return
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: s.consumer,
			Streams:  []string{topic, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			s.stats.ConsumeError(err)
			s.logger.Warn("xreadgroup failed", logging.Topic(topic), logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.deliverEntry(ctx, topic, group, msg)
			}
		}
	}
}

func (s *Subscriber) deliverEntry(ctx context.Context, topic, group string, msg redis.XMessage) {
	s.stats.Consumed()
	env := decodeEntry(topic, msg)
	env = env.Stamp(s.cfg.BrokerID)

	s.mu.Lock()
	fn := s.deliverBy[topic]
	client := s.client
	s.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, env); err != nil {
			s.stats.ConsumeError(err)
			s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
			return
		}
	}
	if client != nil {
		_ = client.XAck(ctx, topic, group, msg.ID).Err()
	}
}

// decodeEntry rebuilds an envelope from stream fields.  Entries
// written by other producers surface their whole field map as the
// value when the expected fields are missing.
func decodeEntry(topic string, msg redis.XMessage) *brokertypes.Envelope {
	raw, ok := msg.Values[fieldValue].(string)
	if !ok {
		blob, _ := json.Marshal(msg.Values)
		return brokertypes.NewEnvelope(topic, blob)
	}
	env := brokertypes.NewEnvelope(topic, []byte(raw))
	if id, ok := msg.Values[fieldMessageID].(string); ok && id != "" {
		env.MessageID = id
	}
	if key, ok := msg.Values[fieldKey].(string); ok {
		env.Key = key
	}
	if hdr, ok := msg.Values[fieldHeaders].(string); ok && hdr != "" {
		var headers map[string]string
		if json.Unmarshal([]byte(hdr), &headers) == nil {
			for k, v := range headers {
				env = env.WithHeader(k, v)
			}
		}
	}
	return env
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close stops the poll loops and drops the client connection.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	client := s.client
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.stats.SetConnected(false)
	if client != nil {
		return client.Close()
	}
	return nil
}
