package sqlmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Claim protocol: release stale claims, claim a batch by consumer
// name, fetch the claimed rows, then settle each row.  A settled row
// is deleted (or stamped when sql.retain_processed is set); a failed
// row is released with its attempt counter bumped so it retries until
// sql.max_attempts.
const (
	unclaimStaleSQL = `UPDATE dgf_messages SET claimed_by = NULL, claimed_at = NULL
	WHERE topic = ? AND processed_at IS NULL AND claimed_by IS NOT NULL AND claimed_at < ?`

	claimSQL = `UPDATE dgf_messages SET claimed_by = ?, claimed_at = ?
	WHERE id IN (
		SELECT id FROM dgf_messages
		WHERE topic = ? AND processed_at IS NULL AND claimed_by IS NULL AND attempts < ?
		ORDER BY id LIMIT ?)`

	fetchClaimedSQL = `SELECT id, msg_key, value, headers, message_id FROM dgf_messages
	WHERE topic = ? AND claimed_by = ? AND processed_at IS NULL ORDER BY id`

	deleteRowSQL  = `DELETE FROM dgf_messages WHERE id = ?`
	settleRowSQL  = `UPDATE dgf_messages SET processed_at = ? WHERE id = ?`
	releaseRowSQL = `UPDATE dgf_messages SET claimed_by = NULL, claimed_at = NULL, attempts = attempts + 1 WHERE id = ?`
)

type claimedRow struct {
	id        int64
	key       string
	value     []byte
	headers   string
	messageID string
}

// Subscriber polls the outbox table, one loop per topic.
type Subscriber struct {
	cfg      *brokertypes.Config
	logger   logging.Logger
	consumer string

	mu        sync.Mutex
	db        *sql.DB
	driver    string
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
// gateways sharing the table claim disjoint rows.
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
		logger:    logger.Named("sqlmq").With(logging.BrokerID(cfg.BrokerID)),
		consumer:  consumer,
		deliverBy: make(map[string]messaging.DeliveryFunc),
		polling:   make(map[string]bool),
	}, nil
}

// Initialize opens the database and applies the outbox schema.
func (s *Subscriber) Initialize(ctx context.Context) error {
	if s.closed.Load() {
		return messaging.ErrSubscriberClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil && s.stats.IsConnected() {
		return nil
	}

	db, driver, err := openDB(s.cfg)
	if err != nil {
		s.stats.SetConnected(false)
		return err
	}
	s.db = db
	s.driver = driver
	s.stats.SetConnected(true)
	return nil
}

// Subscribe registers fn for topic.  Polling begins at Start; a topic
// added afterwards starts polling immediately.
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
	s.logger.Info("sql subscriber started", logging.Int("topics", len(topics)))
	return nil
}

func (s *Subscriber) consumeTopic(topic string) error {
	s.mu.Lock()
	db := s.db
	ctx := s.baseCtx
	s.polling[topic] = true
	s.mu.Unlock()
	if db == nil {
		return messaging.ErrNotConnected
	}

	s.wg.Add(1)
	go s.pollLoop(ctx, topic)
	s.logger.Info("polling outbox topic", logging.Topic(topic))
	return nil
}

func (s *Subscriber) pollLoop(ctx context.Context, topic string) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Properties.Int(PropPollIntervalMs, 500)) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		_, wanted := s.deliverBy[topic]
		s.mu.Unlock()
		if !wanted || ctx.Err() != nil {
			return
		}

		if n := s.pollOnce(ctx, topic); n > 0 {
			// Drain the backlog before sleeping again.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce claims and delivers one batch, returning how many rows it
// handled.
func (s *Subscriber) pollOnce(ctx context.Context, topic string) int {
	s.mu.Lock()
	db := s.db
	driver := s.driver
	s.mu.Unlock()
	if db == nil {
		return 0
	}

	now := time.Now().UTC()
	claimTimeout := time.Duration(s.cfg.Properties.Int(PropClaimTimeoutMs, 60000)) * time.Millisecond
	maxAttempts := s.cfg.Properties.Int(PropMaxAttempts, 5)
	batch := s.cfg.Properties.Int(PropBatch, 16)

	if _, err := db.ExecContext(ctx, rebind(driver, unclaimStaleSQL), topic, now.Add(-claimTimeout)); err != nil {
		s.noteQueryError(ctx, topic, err)
		return 0
	}
	if _, err := db.ExecContext(ctx, rebind(driver, claimSQL), s.consumer, now, topic, maxAttempts, batch); err != nil {
		s.noteQueryError(ctx, topic, err)
		return 0
	}

	rows, err := db.QueryContext(ctx, rebind(driver, fetchClaimedSQL), topic, s.consumer)
	if err != nil {
		s.noteQueryError(ctx, topic, err)
		return 0
	}
	var claimed []claimedRow
	for rows.Next() {
		var row claimedRow
		if err := rows.Scan(&row.id, &row.key, &row.value, &row.headers, &row.messageID); err != nil {
			s.noteQueryError(ctx, topic, err)
			break
		}
		claimed = append(claimed, row)
	}
	_ = rows.Close()

	for _, row := range claimed {
		if ctx.Err() != nil {
			return len(claimed)
		}
		s.deliverRow(ctx, topic, row)
	}
	return len(claimed)
}

func (s *Subscriber) deliverRow(ctx context.Context, topic string, row claimedRow) {
	s.stats.Consumed()

	env := brokertypes.NewEnvelope(topic, row.value)
	if row.messageID != "" {
		env.MessageID = row.messageID
	}
	env.Key = row.key
	if row.headers != "" && row.headers != "{}" {
		var headers map[string]string
		if json.Unmarshal([]byte(row.headers), &headers) == nil {
			for k, v := range headers {
				env = env.WithHeader(k, v)
			}
		}
	}
	env = env.Stamp(s.cfg.BrokerID)

	s.mu.Lock()
	fn := s.deliverBy[topic]
	db := s.db
	driver := s.driver
	s.mu.Unlock()
	if db == nil {
		return
	}

	if fn != nil {
		if err := fn(ctx, env); err != nil {
			s.stats.ConsumeError(err)
			s.logger.Error("delivery failed", logging.Topic(topic), logging.Err(err))
			_, _ = db.ExecContext(ctx, rebind(driver, releaseRowSQL), row.id)
			return
		}
	}

	if s.cfg.Properties.Bool(PropRetainProcessed, false) {
		_, _ = db.ExecContext(ctx, rebind(driver, settleRowSQL), time.Now().UTC(), row.id)
		return
	}
	_, _ = db.ExecContext(ctx, rebind(driver, deleteRowSQL), row.id)
}

func (s *Subscriber) noteQueryError(ctx context.Context, topic string, err error) {
	if ctx.Err() != nil {
		return
	}
	s.stats.ConsumeError(err)
	s.logger.Warn("outbox poll failed", logging.Topic(topic), logging.Err(err))
}

func (s *Subscriber) Connected() bool { return s.stats.IsConnected() && !s.closed.Load() }

func (s *Subscriber) Stats() messaging.Stats { return s.stats.Snapshot(0) }

// Close stops the poll loops and releases the connection pool.
func (s *Subscriber) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	db := s.db
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.stats.SetConnected(false)
	if db != nil {
		return db.Close()
	}
	return nil
}
