package messaging

import (
	"context"
	"sync"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// Queue watermark defaults, as percentages of capacity.
const (
	DefaultQueueDepth     = 1000
	DefaultWarningPct     = 75
	DefaultCriticalPct    = 90
	DefaultDrainResumePct = 50
)

// QueueLevel classifies the occupancy of a BoundedQueue.
type QueueLevel int

const (
	LevelNormal QueueLevel = iota
	LevelWarning
	LevelCritical
)

func (l QueueLevel) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// BoundedQueue buffers envelopes between a receiver and its consumer
// with three-level backpressure.  Crossing the critical watermark
// makes Offer reject until occupancy drains back below the resume
// level, so a flooded producer cannot saturate the consumer with
// accept/reject churn right at the boundary.
type BoundedQueue struct {
	ch       chan *brokertypes.Envelope
	capacity int
	warnAt   int
	critAt   int
	resumeAt int

	mu           sync.Mutex
	draining     bool
	aboveWarning bool

	logger logging.Logger
	name   string

	onLevelChange func(level QueueLevel, depth int)
}

// NewBoundedQueue sizes a queue from the resolved property bag.  Zero
// or missing properties fall back to the package defaults.
func NewBoundedQueue(name string, props brokertypes.Properties, logger logging.Logger) *BoundedQueue {
	depth := props.Int(brokertypes.PropQueueDepth, DefaultQueueDepth)
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	warnPct := props.Int(brokertypes.PropWarningThresholdPct, DefaultWarningPct)
	critPct := props.Int(brokertypes.PropCriticalThresholdPct, DefaultCriticalPct)
	resumePct := props.Int(brokertypes.PropDrainResumePct, DefaultDrainResumePct)
	if critPct <= warnPct {
		critPct = warnPct + 10
	}
	if critPct > 100 {
		critPct = 100
	}
	if resumePct >= critPct {
		resumePct = warnPct / 2
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BoundedQueue{
		ch:       make(chan *brokertypes.Envelope, depth),
		capacity: depth,
		warnAt:   depth * warnPct / 100,
		critAt:   depth * critPct / 100,
		resumeAt: depth * resumePct / 100,
		logger:   logger,
		name:     name,
	}
}

// OnLevelChange registers a hook fired on every watermark transition.
// Must be set before the queue sees traffic.
func (q *BoundedQueue) OnLevelChange(fn func(level QueueLevel, depth int)) {
	q.onLevelChange = fn
}

// Offer enqueues without blocking.  Returns ErrQueueFull while the
// queue is at capacity or draining from a critical crossing.
func (q *BoundedQueue) Offer(env *brokertypes.Envelope) error {
	q.mu.Lock()
	depth := len(q.ch)
	var crossed QueueLevel = -1

	if q.draining {
		if depth > q.resumeAt {
			q.mu.Unlock()
			return ErrQueueFull
		}
		q.draining = false
		q.aboveWarning = false
		crossed = LevelNormal
	}

	reject := false
	switch {
	case depth+1 >= q.critAt:
		q.draining = true
		crossed = LevelCritical
		reject = true
	case depth+1 >= q.warnAt && !q.aboveWarning:
		q.aboveWarning = true
		crossed = LevelWarning
	case depth < q.warnAt && q.aboveWarning:
		q.aboveWarning = false
		crossed = LevelNormal
	}
	q.mu.Unlock()

	switch crossed {
	case LevelCritical:
		q.logger.Warn("queue crossed critical watermark, rejecting until drained",
			logging.String("queue", q.name), logging.Int("depth", depth),
			logging.Int("capacity", q.capacity))
		q.notify(LevelCritical, depth)
	case LevelWarning:
		q.logger.Warn("queue crossed warning watermark",
			logging.String("queue", q.name), logging.Int("depth", depth),
			logging.Int("capacity", q.capacity))
		q.notify(LevelWarning, depth)
	case LevelNormal:
		q.logger.Info("queue back below watermarks",
			logging.String("queue", q.name), logging.Int("depth", depth))
		q.notify(LevelNormal, depth)
	}
	if reject {
		return ErrQueueFull
	}

	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Put blocks until space frees up or ctx ends.  Put bypasses the
// critical watermark: it is for internal producers that must not drop.
func (q *BoundedQueue) Put(ctx context.Context, env *brokertypes.Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until an envelope arrives or ctx ends.
func (q *BoundedQueue) Get(ctx context.Context) (*brokertypes.Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns immediately: the next envelope or nil.
func (q *BoundedQueue) Poll() *brokertypes.Envelope {
	select {
	case env := <-q.ch:
		return env
	default:
		return nil
	}
}

// Depth returns the current occupancy.
func (q *BoundedQueue) Depth() int { return len(q.ch) }

// Capacity returns the configured maximum.
func (q *BoundedQueue) Capacity() int { return q.capacity }

// Level classifies the current occupancy against the watermarks.
func (q *BoundedQueue) Level() QueueLevel {
	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	depth := len(q.ch)
	switch {
	case draining || depth >= q.critAt:
		return LevelCritical
	case depth >= q.warnAt:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Occupancy returns depth as a fraction of capacity in [0, 1].
func (q *BoundedQueue) Occupancy() float64 {
	return float64(len(q.ch)) / float64(q.capacity)
}

func (q *BoundedQueue) notify(level QueueLevel, depth int) {
	if q.onLevelChange != nil {
		q.onLevelChange(level, depth)
	}
}
