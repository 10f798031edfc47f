package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging/manager"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
)

// Manager owns every running ingester. It resolves declarations
// through the channel accessor, starts the enabled ones, and diffs
// the set on refresh so a config reload adds and removes ingesters
// without touching the survivors.
type Manager struct {
	accessor  *manager.ChannelAccessor
	submitter Submitter
	logger    logging.Logger
	metrics   *prometheus.GatewayMetrics

	mu      sync.Mutex
	running map[string]*BrokerIngester
}

// NewManager wires an ingester manager. Ingesters are not started
// until StartAll.
func NewManager(accessor *manager.ChannelAccessor, submitter Submitter, logger logging.Logger, metrics *prometheus.GatewayMetrics) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		accessor:  accessor,
		submitter: submitter,
		logger:    logger.Named("ingest"),
		metrics:   metrics,
		running:   make(map[string]*BrokerIngester),
	}
}

// StartAll resolves and starts every enabled ingester. One broken
// declaration is logged and skipped; the rest still start.
func (m *Manager) StartAll(ctx context.Context) {
	for _, resolved := range m.accessor.Ingesters() {
		m.startOne(ctx, resolved)
	}
	m.logger.Info("ingesters started", logging.Int("count", m.Count()))
}

// Refresh diffs the declared set against the running set: missing
// ingesters start, undeclared ones stop, survivors keep their
// counters and subscriptions.
func (m *Manager) Refresh(ctx context.Context) {
	declared := make(map[string]*manager.ResolvedIngester)
	for _, resolved := range m.accessor.Ingesters() {
		declared[resolved.Ingester.Name] = resolved
	}

	m.mu.Lock()
	var stale []*BrokerIngester
	for name, ing := range m.running {
		if _, ok := declared[name]; !ok {
			stale = append(stale, ing)
			delete(m.running, name)
		}
	}
	m.mu.Unlock()

	for _, ing := range stale {
		if err := ing.Stop(ctx); err != nil {
			m.logger.Warn("ingester stop failed", logging.String("ingester", ing.Name()), logging.Err(err))
		}
		m.logger.Info("ingester removed", logging.String("ingester", ing.Name()))
	}

	for name, resolved := range declared {
		m.mu.Lock()
		_, exists := m.running[name]
		m.mu.Unlock()
		if !exists {
			m.startOne(ctx, resolved)
		}
	}
}

// StopAll stops every running ingester, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ingesters := make([]*BrokerIngester, 0, len(m.running))
	for _, ing := range m.running {
		ingesters = append(ingesters, ing)
	}
	m.running = make(map[string]*BrokerIngester)
	m.mu.Unlock()

	for _, ing := range ingesters {
		if err := ing.Stop(ctx); err != nil {
			m.logger.Warn("ingester stop failed", logging.String("ingester", ing.Name()), logging.Err(err))
		}
	}
}

// Count reports how many ingesters are running.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stats snapshots every running ingester, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	out := make([]Stats, 0, len(m.running))
	for _, ing := range m.running {
		out = append(out, ing.Stats())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) startOne(ctx context.Context, resolved *manager.ResolvedIngester) {
	ing := NewBrokerIngester(resolved, m.accessor, m.submitter, m.logger, m.metrics)
	if err := ing.Initialize(ctx); err != nil {
		m.logger.Error("ingester init failed", logging.String("ingester", ing.Name()), logging.Err(err))
		return
	}
	if err := ing.Start(ctx); err != nil {
		m.logger.Error("ingester start failed", logging.String("ingester", ing.Name()), logging.Err(err))
		return
	}
	m.mu.Lock()
	m.running[ing.Name()] = ing
	m.mu.Unlock()
}
