package sqlmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

const insertSQL = `INSERT INTO dgf_messages
	(topic, msg_key, value, headers, message_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// Publisher inserts envelopes into the outbox table.
type Publisher struct {
	cfg    *brokertypes.Config
	logger logging.Logger

	mu     sync.Mutex
	db     *sql.DB
	insert string

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
		logger: logger.Named("sqlmq").With(logging.BrokerID(cfg.BrokerID)),
	}, nil
}

// Initialize opens the database and applies the outbox schema.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil && p.stats.IsConnected() {
		return nil
	}

	db, driver, err := openDB(p.cfg)
	if err != nil {
		p.stats.SetConnected(false)
		return err
	}
	p.db = db
	p.insert = rebind(driver, insertSQL)
	p.stats.SetConnected(true)
	p.logger.Info("sql publisher connected", logging.String("driver", driver))
	return nil
}

// Publish inserts one envelope row.
func (p *Publisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	if p.closed.Load() {
		return messaging.ErrPublisherClosed
	}
	if env.Topic == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")
	}

	p.mu.Lock()
	db := p.db
	insert := p.insert
	p.mu.Unlock()
	if db == nil {
		return messaging.ErrNotConnected
	}

	if _, err := db.ExecContext(ctx, insert, insertArgs(env)...); err != nil {
		p.stats.PublishError(err)
		return apperrors.Wrap(err, apperrors.ErrCodeBrokerPublish, "sql insert "+env.Topic)
	}
	p.stats.Published()
	return nil
}

// PublishBatch inserts every envelope inside one transaction, so a
// batch lands completely or not at all.
func (p *Publisher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*messaging.BatchResult, error) {
	res := &messaging.BatchResult{}
	if len(envs) == 0 {
		return res, nil
	}
	if p.closed.Load() {
		return nil, messaging.ErrPublisherClosed
	}

	p.mu.Lock()
	db := p.db
	insert := p.insert
	p.mu.Unlock()
	if db == nil {
		return nil, messaging.ErrNotConnected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		p.stats.PublishErrorsN(len(envs), err)
		res.Failed = len(envs)
		res.Errors = append(res.Errors, messaging.BatchItemError{Index: -1, Err: err})
		return res, nil
	}
	for i, env := range envs {
		if env.Topic == "" {
			_ = tx.Rollback()
			res.Failed = len(envs)
			res.Errors = append(res.Errors, messaging.BatchItemError{Index: i, Err: apperrors.New(apperrors.ErrCodeValidation, "envelope topic required")})
			return res, nil
		}
		if _, err := tx.ExecContext(ctx, insert, insertArgs(env)...); err != nil {
			_ = tx.Rollback()
			p.stats.PublishErrorsN(len(envs), err)
			res.Failed = len(envs)
			res.Errors = append(res.Errors, messaging.BatchItemError{Index: i, Topic: env.Topic, Err: err})
			return res, nil
		}
	}
	if err := tx.Commit(); err != nil {
		p.stats.PublishErrorsN(len(envs), err)
		res.Failed = len(envs)
		res.Errors = append(res.Errors, messaging.BatchItemError{Index: -1, Err: err})
		return res, nil
	}
	p.stats.PublishedN(len(envs))
	res.Succeeded = len(envs)
	return res, nil
}

func insertArgs(env *brokertypes.Envelope) []interface{} {
	headers := "{}"
	if len(env.Headers) > 0 {
		if raw, err := json.Marshal(env.Headers); err == nil {
			headers = string(raw)
		}
	}
	return []interface{}{env.Topic, env.Key, env.Value, headers, env.MessageID, time.Now().UTC()}
}

// Flush is a no-op: inserts are committed per call.
func (p *Publisher) Flush(ctx context.Context) error { return nil }

func (p *Publisher) Connected() bool { return p.stats.IsConnected() && !p.closed.Load() }

func (p *Publisher) Stats() messaging.Stats { return p.stats.Snapshot(0) }

// Close releases the connection pool.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SetConnected(false)
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
