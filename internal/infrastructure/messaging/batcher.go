package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchFlushMs = 200
)

// Batcher wraps a Publisher and coalesces single publishes into
// batches, flushing when the batch fills or the flush interval fires,
// whichever comes first.  It satisfies Publisher itself so callers do
// not care whether batching is on.
type Batcher struct {
	inner  Publisher
	logger logging.Logger

	size     int
	interval time.Duration

	mu      sync.Mutex
	pending []*brokertypes.Envelope

	started atomic.Bool
	ticker  *time.Ticker
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewBatcher sizes the batch window from the resolved property bag.
func NewBatcher(inner Publisher, props brokertypes.Properties, logger logging.Logger) *Batcher {
	size := props.Int(brokertypes.PropBatchSize, DefaultBatchSize)
	if size < 1 {
		size = DefaultBatchSize
	}
	flushMs := props.Int(brokertypes.PropBatchFlushIntervalMs, DefaultBatchFlushMs)
	if flushMs < 1 {
		flushMs = DefaultBatchFlushMs
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Batcher{
		inner:    inner,
		logger:   logger,
		size:     size,
		interval: time.Duration(flushMs) * time.Millisecond,
		pending:  make([]*brokertypes.Envelope, 0, size),
		stop:     make(chan struct{}),
	}
}

// Initialize starts the inner publisher and the flush ticker.  Later
// calls only re-dial the inner publisher, so reconnect supervision can
// call this repeatedly without stacking flush loops.
func (b *Batcher) Initialize(ctx context.Context) error {
	if err := b.inner.Initialize(ctx); err != nil {
		return err
	}
	if b.started.Swap(true) {
		return nil
	}
	b.ticker = time.NewTicker(b.interval)
	b.wg.Add(1)
	go b.flushLoop()
	return nil
}

// Publish appends to the pending batch, flushing inline when full.
func (b *Batcher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	b.mu.Lock()
	b.pending = append(b.pending, env)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// PublishBatch bypasses accumulation and hands the batch straight to
// the inner publisher.
func (b *Batcher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*BatchResult, error) {
	return b.inner.PublishBatch(ctx, envs)
}

// Flush pushes everything pending to the inner publisher.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return b.inner.Flush(ctx)
	}
	batch := b.pending
	b.pending = make([]*brokertypes.Envelope, 0, b.size)
	b.mu.Unlock()

	res, err := b.inner.PublishBatch(ctx, batch)
	if err != nil {
		return err
	}
	if res != nil && res.Failed > 0 {
		b.logger.Warn("batch flush had failures",
			logging.Int("succeeded", res.Succeeded),
			logging.Int("failed", res.Failed))
	}
	return b.inner.Flush(ctx)
}

func (b *Batcher) Connected() bool { return b.inner.Connected() }

// Stats reports the inner publisher's counters with the pending batch
// as queue depth.
func (b *Batcher) Stats() Stats {
	s := b.inner.Stats()
	b.mu.Lock()
	s.QueueDepth = len(b.pending)
	b.mu.Unlock()
	return s
}

// Close flushes once more, stops the ticker, and closes the inner
// publisher.
func (b *Batcher) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()
		if b.ticker != nil {
			b.ticker.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ferr := b.Flush(ctx); ferr != nil {
			err = ferr
		}
		if cerr := b.inner.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case <-b.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.interval)
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("interval flush failed", logging.Err(err))
			}
			cancel()
		}
	}
}
