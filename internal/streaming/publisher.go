package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	"github.com/dgfacade/gateway/pkg/types/message"
)

const (
	defaultQueueDepth = 64
	publishTimeout    = 5 * time.Second
)

// BrokerTarget publishes envelopes through enabled brokers by type.
// manager.Manager satisfies it.
type BrokerTarget interface {
	Publish(ctx context.Context, brokerID string, env *brokertypes.Envelope) error
	BrokerIDsByType(t brokertypes.Type) []string
}

// SocketTarget pushes a response to every open socket subscribed to a
// session. Returns the number of sockets reached.
type SocketTarget interface {
	PushToSession(sessionID string, resp *message.Response) int
}

// ResponsePublisher drains one ordered queue per session and delivers
// each update to every channel in the session's set. Channels fail
// independently; one broker refusing an update never blocks the rest.
type ResponsePublisher struct {
	brokers BrokerTarget
	logger  logging.Logger
	metrics *prometheus.GatewayMetrics
	depth   int

	mu      sync.Mutex
	sockets SocketTarget
	pumps   map[string]*pump
}

type pump struct {
	// mu fences Publish sends against the queue close in Detach.
	mu     sync.RWMutex
	closed bool
	queue  chan *message.Response
	done   chan struct{}
}

// NewResponsePublisher builds a publisher over the broker fleet.
// queueDepth bounds each session's update queue.
func NewResponsePublisher(brokers BrokerTarget, queueDepth int, logger logging.Logger, metrics *prometheus.GatewayMetrics) *ResponsePublisher {
	if logger == nil {
		logger = logging.Default()
	}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &ResponsePublisher{
		brokers: brokers,
		logger:  logger.Named("publisher"),
		metrics: metrics,
		depth:   queueDepth,
		pumps:   make(map[string]*pump),
	}
}

// SetSocketTarget attaches the websocket hub. Wiring is late because
// the hub is built after the publisher.
func (p *ResponsePublisher) SetSocketTarget(st SocketTarget) {
	p.mu.Lock()
	p.sockets = st
	p.mu.Unlock()
}

// Attach registers the session and starts its pump goroutine.
func (p *ResponsePublisher) Attach(s *Session) {
	pu := &pump{
		queue: make(chan *message.Response, p.depth),
		done:  make(chan struct{}),
	}
	p.mu.Lock()
	p.pumps[s.ID] = pu
	p.mu.Unlock()
	go p.run(s, pu)
}

// Publish enqueues resp for ordered delivery. A full queue blocks the
// caller; the pump is always draining, so the wait is bounded by the
// slowest channel, not forever.
func (p *ResponsePublisher) Publish(s *Session, resp *message.Response) error {
	p.mu.Lock()
	pu, ok := p.pumps[s.ID]
	p.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeSessionNotFound, "session %q has no publisher", s.ID)
	}
	pu.mu.RLock()
	defer pu.mu.RUnlock()
	if pu.closed {
		return apperrors.Newf(apperrors.ErrCodeSessionClosed, "session %q is closed", s.ID)
	}
	pu.queue <- resp
	return nil
}

// Detach closes the session's queue and waits up to wait for the pump
// to deliver what is already enqueued.
func (p *ResponsePublisher) Detach(s *Session, wait time.Duration) {
	p.mu.Lock()
	pu, ok := p.pumps[s.ID]
	delete(p.pumps, s.ID)
	p.mu.Unlock()
	if !ok {
		return
	}

	pu.mu.Lock()
	if !pu.closed {
		pu.closed = true
		close(pu.queue)
	}
	pu.mu.Unlock()

	select {
	case <-pu.done:
	case <-time.After(wait):
		p.logger.Warn("session pump did not drain in time",
			logging.String("session_id", s.ID),
			logging.Duration("wait", wait))
	}
}

func (p *ResponsePublisher) run(s *Session, pu *pump) {
	for resp := range pu.queue {
		for _, channel := range s.Channels {
			p.deliverTo(s, channel, resp)
		}
	}
	close(pu.done)
}

func (p *ResponsePublisher) deliverTo(s *Session, channel string, resp *message.Response) {
	switch channel {
	case string(message.SourceREST):
		// REST buffers only the one-shot terminal response; there is
		// no socket to push incremental updates into.
		return
	case string(message.SourceWebSocket):
		p.mu.Lock()
		sockets := p.sockets
		p.mu.Unlock()
		if sockets == nil {
			p.metrics.RecordStreamingUpdate(channel, apperrors.New(apperrors.ErrCodeServiceUnavailable, "no socket hub attached"))
			return
		}
		if n := sockets.PushToSession(s.ID, resp); n == 0 {
			p.logger.Debug("no sockets subscribed to session",
				logging.String("session_id", s.ID))
		}
		p.metrics.RecordStreamingUpdate(channel, nil)
	default:
		p.deliverToBroker(s, channel, resp)
	}
}

func (p *ResponsePublisher) deliverToBroker(s *Session, channel string, resp *message.Response) {
	fail := func(err error) {
		p.logger.Warn("streaming update undeliverable",
			logging.String("session_id", s.ID),
			logging.String("channel", channel),
			logging.Int64("sequence", resp.SequenceNumber),
			logging.Err(err))
		p.metrics.RecordStreamingUpdate(channel, err)
	}

	brokerType, err := brokertypes.ParseType(channel)
	if err != nil {
		fail(apperrors.Wrapf(err, apperrors.ErrCodeValidation, "unknown response channel %q", channel))
		return
	}
	if p.brokers == nil {
		fail(apperrors.New(apperrors.ErrCodeServiceUnavailable, "no broker fleet attached"))
		return
	}
	if s.ResponseTopic == "" {
		fail(apperrors.New(apperrors.ErrCodeValidation, "session has no response_topic"))
		return
	}
	ids := p.brokers.BrokerIDsByType(brokerType)
	if len(ids) == 0 {
		fail(apperrors.Newf(apperrors.ErrCodeBrokerNotFound, "no enabled %s broker", channel))
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		fail(apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encoding streaming update"))
		return
	}
	env := brokertypes.NewEnvelope(s.ResponseTopic, body).
		WithKey(s.RequestID).
		WithHeader("x-dgf-session-id", s.ID).
		WithHeader("x-dgf-status", string(resp.Status))

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.brokers.Publish(ctx, ids[0], env); err != nil {
		fail(err)
		return
	}
	p.metrics.RecordStreamingUpdate(channel, nil)
}
