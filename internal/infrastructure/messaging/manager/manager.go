// Package manager assembles concrete broker transports from their
// declarations. It keeps one publisher and one subscriber per
// broker_id, builds them by broker type, supervises their links with
// reconnect loops, and multiplexes subscriptions through a fan-out so
// any number of components can listen on the same topic.
//
// Link state never fails the accessor methods: Publisher and Subscribe
// return errors only for configuration problems (undeclared broker,
// disabled broker, unknown type). A broker that is down stays
// registered and supervised; publishes fail per-call and deliveries
// start as soon as the link comes up.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/activemq"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/filesys"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/ibmmq"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/kafka"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/natsmq"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/rabbitmq"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/redismq"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/sqlmq"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Source provides the current configuration snapshot. *config.Store
// satisfies it.
type Source interface {
	Snapshot() *config.Snapshot
}

// Factories build one transport endpoint per broker declaration.
// Package variables so tests can substitute fakes.
var (
	newPublisherFor = func(cfg *brokertypes.Config, logger logging.Logger) (messaging.Publisher, error) {
		switch cfg.BrokerType {
		case brokertypes.TypeKafka, brokertypes.TypeConfluentKafka:
			return kafka.NewPublisher(cfg, logger)
		case brokertypes.TypeRabbitMQ:
			return rabbitmq.NewPublisher(cfg, logger)
		case brokertypes.TypeActiveMQ:
			return activemq.NewPublisher(cfg, logger)
		case brokertypes.TypeIBMMQ:
			return ibmmq.NewPublisher(cfg, logger)
		case brokertypes.TypeNATS:
			return natsmq.NewPublisher(cfg, logger)
		case brokertypes.TypeRedis:
			return redismq.NewPublisher(cfg, logger)
		case brokertypes.TypeFilesystem:
			return filesys.NewPublisher(cfg, logger)
		case brokertypes.TypeSQL:
			return sqlmq.NewPublisher(cfg, logger)
		default:
			return nil, apperrors.Newf(apperrors.ErrCodeBrokerUnknownType,
				"broker %q: unsupported type %q", cfg.BrokerID, cfg.BrokerType)
		}
	}

	newSubscriberFor = func(cfg *brokertypes.Config, logger logging.Logger) (messaging.Subscriber, error) {
		switch cfg.BrokerType {
		case brokertypes.TypeKafka, brokertypes.TypeConfluentKafka:
			return kafka.NewSubscriber(cfg, logger)
		case brokertypes.TypeRabbitMQ:
			return rabbitmq.NewSubscriber(cfg, logger)
		case brokertypes.TypeActiveMQ:
			return activemq.NewSubscriber(cfg, logger)
		case brokertypes.TypeIBMMQ:
			return ibmmq.NewSubscriber(cfg, logger)
		case brokertypes.TypeNATS:
			return natsmq.NewSubscriber(cfg, logger)
		case brokertypes.TypeRedis:
			return redismq.NewSubscriber(cfg, logger)
		case brokertypes.TypeFilesystem:
			return filesys.NewSubscriber(cfg, logger)
		case brokertypes.TypeSQL:
			return sqlmq.NewSubscriber(cfg, logger)
		default:
			return nil, apperrors.Newf(apperrors.ErrCodeBrokerUnknownType,
				"broker %q: unsupported type %q", cfg.BrokerID, cfg.BrokerType)
		}
	}
)

// Manager owns every live broker connection.
type Manager struct {
	source  Source
	logger  logging.Logger
	metrics *prometheus.GatewayMetrics

	mu   sync.Mutex
	pubs map[string]*managedPublisher
	subs map[string]*managedSubscriber

	healthEvery   time.Duration
	running       atomic.Bool
	closed        atomic.Bool
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

type managedPublisher struct {
	cfg   *brokertypes.Config
	pub   messaging.Publisher
	recon *messaging.Reconnector
	once  sync.Once
}

// managedSubscriber keeps the fan-out listener table stable across
// transport rebuilds: on reconnect the transport subscriber is
// replaced wholesale and every fan-out topic re-attached.
type managedSubscriber struct {
	cfg    *brokertypes.Config
	fanout *messaging.Fanout
	recon  *messaging.Reconnector
	once   sync.Once

	mu  sync.Mutex
	sub messaging.Subscriber
}

// NewManager builds an empty manager over the given config source.
// metrics may be nil.
func NewManager(source Source, logger logging.Logger, metrics *prometheus.GatewayMetrics) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		source:      source,
		logger:      logger.Named("brokers"),
		metrics:     metrics,
		pubs:        make(map[string]*managedPublisher),
		subs:        make(map[string]*managedSubscriber),
		healthEvery: 5 * time.Second,
	}
}

// Start launches the health monitor that kicks reconnect supervision
// when a link reports down. Second and later Starts are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}
	ctx, m.monitorCancel = context.WithCancel(ctx)
	m.monitorWG.Add(1)
	go m.monitor(ctx)
}

// StartConfigured warms the publisher link of every enabled auto_start
// broker so the first real publish does not pay the dial. Failures are
// logged, not fatal: supervision keeps retrying.
func (m *Manager) StartConfigured(ctx context.Context) {
	snap := m.source.Snapshot()
	if snap == nil {
		return
	}
	ids := make([]string, 0, len(snap.Brokers))
	for id := range snap.Brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cfg := snap.Brokers[id]
		if !cfg.Enabled || !cfg.AutoStart {
			continue
		}
		if _, err := m.Publisher(ctx, id); err != nil {
			m.logger.Warn("auto-start broker skipped", logging.BrokerID(id), logging.Err(err))
		}
	}
}

// Publisher returns the shared publisher for brokerID, creating and
// supervising it on first use. When the broker declares batch.enabled
// the publisher is wrapped in a Batcher transparently.
func (m *Manager) Publisher(ctx context.Context, brokerID string) (messaging.Publisher, error) {
	if m.closed.Load() {
		return nil, messaging.ErrPublisherClosed
	}

	m.mu.Lock()
	mp, ok := m.pubs[brokerID]
	if !ok {
		cfg, err := m.brokerConfig(brokerID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		mp, err = m.buildPublisher(cfg)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.pubs[brokerID] = mp
	}
	m.mu.Unlock()

	mp.once.Do(func() {
		if err := mp.pub.Initialize(ctx); err != nil {
			m.logger.Warn("initial broker dial failed, supervisor will retry",
				logging.BrokerID(brokerID), logging.Err(err))
		}
		mp.recon.Start(context.Background())
	})
	return mp.pub, nil
}

// Publish sends one envelope through the named broker's publisher.
func (m *Manager) Publish(ctx context.Context, brokerID string, env *brokertypes.Envelope) error {
	pub, err := m.Publisher(ctx, brokerID)
	if err != nil {
		return err
	}
	err = pub.Publish(ctx, env)
	m.metrics.RecordPublish(brokerID, err)
	return err
}

// Subscribe attaches fn to topic on the named broker and returns its
// detach function. Listeners on the same topic share one transport
// subscription; the transport detaches when the last listener leaves.
func (m *Manager) Subscribe(ctx context.Context, brokerID, topic string, fn messaging.DeliveryFunc) (func(), error) {
	if m.closed.Load() {
		return nil, messaging.ErrSubscriberClosed
	}

	ms, err := m.ensureSubscriber(ctx, brokerID)
	if err != nil {
		return nil, err
	}

	remove := ms.fanout.Add(topic, fn)

	// First listener for this topic attaches it on the transport.
	// Replacing an existing registration is harmless, so the check
	// does not need to be atomic with Add.
	ms.mu.Lock()
	if ms.sub != nil {
		if serr := ms.sub.Subscribe(topic, m.deliveryFor(ms)); serr != nil {
			ms.mu.Unlock()
			remove()
			return nil, serr
		}
	}
	ms.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			remove()
			if ms.fanout.Count(topic) > 0 {
				return
			}
			ms.mu.Lock()
			if ms.sub != nil {
				if uerr := ms.sub.Unsubscribe(topic); uerr != nil {
					m.logger.Warn("transport unsubscribe failed",
						logging.BrokerID(brokerID), logging.Topic(topic), logging.Err(uerr))
				}
			}
			ms.mu.Unlock()
		})
	}
	return detach, nil
}

// EnabledBrokerIDs lists every enabled broker declaration, sorted.
func (m *Manager) EnabledBrokerIDs() []string {
	snap := m.source.Snapshot()
	if snap == nil {
		return nil
	}
	out := make([]string, 0, len(snap.Brokers))
	for id, cfg := range snap.Brokers {
		if cfg.Enabled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BrokerIDsByType lists enabled brokers of one transport type, sorted.
func (m *Manager) BrokerIDsByType(t brokertypes.Type) []string {
	snap := m.source.Snapshot()
	if snap == nil {
		return nil
	}
	var out []string
	for id, cfg := range snap.Brokers {
		if cfg.Enabled && cfg.BrokerType == t {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Status reports per-broker counter snapshots, sorted by broker_id.
func (m *Manager) Status() []BrokerStatus {
	m.mu.Lock()
	out := make([]BrokerStatus, 0, len(m.pubs)+len(m.subs))
	seen := make(map[string]int, len(m.pubs))
	for id, mp := range m.pubs {
		st := mp.pub.Stats()
		seen[id] = len(out)
		out = append(out, BrokerStatus{BrokerID: id, Type: mp.cfg.BrokerType, Publisher: &st})
	}
	for id, ms := range m.subs {
		ms.mu.Lock()
		sub := ms.sub
		ms.mu.Unlock()
		if sub == nil {
			continue
		}
		st := sub.Stats()
		if i, ok := seen[id]; ok {
			out[i].Subscriber = &st
		} else {
			out = append(out, BrokerStatus{BrokerID: id, Type: ms.cfg.BrokerType, Subscriber: &st})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out
}

// Connected reports whether any endpoint of brokerID has a live link.
func (m *Manager) Connected(brokerID string) bool {
	m.mu.Lock()
	mp := m.pubs[brokerID]
	ms := m.subs[brokerID]
	m.mu.Unlock()

	if mp != nil && mp.pub.Connected() {
		return true
	}
	if ms != nil {
		ms.mu.Lock()
		sub := ms.sub
		ms.mu.Unlock()
		if sub != nil && sub.Connected() {
			return true
		}
	}
	return false
}

// Close stops supervision and closes every endpoint, subscribers
// first so intake stops before publishers drain.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	m.monitorWG.Wait()

	m.mu.Lock()
	pubs := m.pubs
	subs := m.subs
	m.pubs = make(map[string]*managedPublisher)
	m.subs = make(map[string]*managedSubscriber)
	m.mu.Unlock()

	var firstErr error
	for id, ms := range subs {
		ms.recon.Close()
		ms.mu.Lock()
		sub := ms.sub
		ms.sub = nil
		ms.mu.Unlock()
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = apperrors.Wrapf(err, apperrors.ErrCodeBrokerConnect, "closing subscriber %q", id)
		}
	}
	for id, mp := range pubs {
		mp.recon.Close()
		if err := mp.pub.Close(); err != nil && firstErr == nil {
			firstErr = apperrors.Wrapf(err, apperrors.ErrCodeBrokerConnect, "closing publisher %q", id)
		}
	}
	return firstErr
}

// BrokerStatus is one broker's live state for health and admin views.
type BrokerStatus struct {
	BrokerID   string           `json:"broker_id"`
	Type       brokertypes.Type `json:"type"`
	Publisher  *messaging.Stats `json:"publisher,omitempty"`
	Subscriber *messaging.Stats `json:"subscriber,omitempty"`
}

func (m *Manager) brokerConfig(brokerID string) (*brokertypes.Config, error) {
	snap := m.source.Snapshot()
	if snap == nil {
		return nil, apperrors.New(apperrors.ErrCodeBrokerNotFound, "no configuration loaded")
	}
	cfg, ok := snap.Brokers[brokerID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeBrokerNotFound, "broker %q is not declared", brokerID)
	}
	if !cfg.Enabled {
		return nil, apperrors.Newf(apperrors.ErrCodeBrokerDisabled, "broker %q is disabled", brokerID)
	}
	return cfg, nil
}

func (m *Manager) buildPublisher(cfg *brokertypes.Config) (*managedPublisher, error) {
	pub, err := newPublisherFor(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	if cfg.Properties.Bool(brokertypes.PropBatchEnabled, false) {
		pub = messaging.NewBatcher(pub, cfg.Properties, m.logger.With(logging.BrokerID(cfg.BrokerID)))
	}

	mp := &managedPublisher{cfg: cfg, pub: pub}
	mp.recon = messaging.NewReconnector(cfg.BrokerID, cfg.ReconnectInterval(),
		func(ctx context.Context) error { return pub.Initialize(ctx) },
		m.logger)
	first := true
	mp.recon.OnUp(func() {
		if first {
			first = false
			return
		}
		m.noteReconnect(cfg.BrokerID)
	})
	return mp, nil
}

// ensureSubscriber registers the managed subscriber for brokerID and
// starts its supervision. The first transport build happens inline so
// an immediately reachable broker consumes without waiting a cycle.
func (m *Manager) ensureSubscriber(ctx context.Context, brokerID string) (*managedSubscriber, error) {
	m.mu.Lock()
	ms, ok := m.subs[brokerID]
	if !ok {
		cfg, err := m.brokerConfig(brokerID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ms = &managedSubscriber{cfg: cfg, fanout: messaging.NewFanout()}
		connect := m.subscriberConnect(ms)
		ms.recon = messaging.NewReconnector(brokerID+"/sub", cfg.ReconnectInterval(), connect, m.logger)
		first := true
		ms.recon.OnUp(func() {
			if first {
				first = false
				return
			}
			m.noteReconnect(brokerID)
		})
		m.subs[brokerID] = ms
	}
	m.mu.Unlock()

	ms.once.Do(func() {
		if err := m.subscriberConnect(ms)(ctx); err != nil {
			m.logger.Warn("initial broker dial failed, supervisor will retry",
				logging.BrokerID(brokerID), logging.Err(err))
		}
		ms.recon.Start(context.Background())
	})
	return ms, nil
}

// subscriberConnect rebuilds the transport subscriber from scratch and
// re-attaches every fan-out topic. Rebuilding wholesale keeps the
// reconnect path identical for every transport regardless of how its
// receive loops die.
func (m *Manager) subscriberConnect(ms *managedSubscriber) messaging.ConnectFunc {
	return func(ctx context.Context) error {
		ms.mu.Lock()
		defer ms.mu.Unlock()

		if ms.sub != nil && ms.sub.Connected() {
			return nil
		}

		sub, err := newSubscriberFor(ms.cfg, m.logger)
		if err != nil {
			return err
		}
		if err := sub.Initialize(ctx); err != nil {
			_ = sub.Close()
			return err
		}
		for _, topic := range ms.fanout.Topics() {
			if err := sub.Subscribe(topic, m.deliveryFor(ms)); err != nil {
				_ = sub.Close()
				return err
			}
		}
		// Receive loops must outlive the dial context.
		if err := sub.Start(context.Background()); err != nil && !errors.Is(err, messaging.ErrAlreadyRunning) {
			_ = sub.Close()
			return err
		}

		old := ms.sub
		ms.sub = sub
		if old != nil {
			// Old receive loops may block briefly on close; do not
			// hold the lock for that.
			go func() { _ = old.Close() }()
		}
		return nil
	}
}

func (m *Manager) deliveryFor(ms *managedSubscriber) messaging.DeliveryFunc {
	return func(ctx context.Context, env *brokertypes.Envelope) error {
		m.noteConsume(ms.cfg.BrokerID)
		return ms.fanout.Deliver(ctx, env)
	}
}

func (m *Manager) monitor(ctx context.Context) {
	defer m.monitorWG.Done()
	ticker := time.NewTicker(m.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth samples every endpoint, exports queue occupancy, and
// kicks the reconnector of any link that reports down.
func (m *Manager) checkHealth() {
	m.mu.Lock()
	pubs := make(map[string]*managedPublisher, len(m.pubs))
	for id, mp := range m.pubs {
		pubs[id] = mp
	}
	subs := make(map[string]*managedSubscriber, len(m.subs))
	for id, ms := range m.subs {
		subs[id] = ms
	}
	m.mu.Unlock()

	for id, mp := range pubs {
		st := mp.pub.Stats()
		m.noteOccupancy(id, st.QueueDepth)
		if !st.Connected {
			mp.recon.NotifyDown(nil)
		}
	}
	for _, ms := range subs {
		ms.mu.Lock()
		sub := ms.sub
		ms.mu.Unlock()
		if sub == nil || !sub.Connected() {
			ms.recon.NotifyDown(nil)
		}
	}
}

func (m *Manager) noteReconnect(brokerID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.BrokerReconnects.WithLabelValues(brokerID).Inc()
}

func (m *Manager) noteConsume(brokerID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.BrokerConsumes.WithLabelValues(brokerID).Inc()
}

func (m *Manager) noteOccupancy(brokerID string, depth int) {
	if m.metrics == nil {
		return
	}
	m.metrics.BrokerQueueOccupancy.WithLabelValues(brokerID).Set(float64(depth))
}
