package messaging

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

// ConnectFunc dials the transport once.  It returns nil when the link
// is usable.
type ConnectFunc func(ctx context.Context) error

// Reconnector keeps one transport link alive: it dials until success,
// then sleeps until the owner reports the link down, then dials again.
// Attempts are spaced by the configured interval with up to 20% jitter
// so a restarted broker is not stampeded by every node at once.
type Reconnector struct {
	name     string
	interval time.Duration
	connect  ConnectFunc
	logger   logging.Logger

	onUp   func()
	onDown func(error)

	running atomic.Bool
	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attempts atomic.Int64
}

// NewReconnector builds a supervisor for one link.  interval at or
// below zero falls back to 5s.
func NewReconnector(name string, interval time.Duration, connect ConnectFunc, logger logging.Logger) *Reconnector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconnector{
		name:     name,
		interval: interval,
		connect:  connect,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// OnUp registers a callback fired after every successful dial.
func (r *Reconnector) OnUp(fn func()) { r.onUp = fn }

// OnDown registers a callback fired when a dial attempt fails.
func (r *Reconnector) OnDown(fn func(error)) { r.onDown = fn }

// Start launches the supervision loop.  The first dial happens
// immediately.  Second and later Starts are no-ops.
func (r *Reconnector) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// NotifyDown tells the supervisor the link dropped.  Safe to call from
// any goroutine; extra notifications while a dial cycle is pending are
// coalesced.
func (r *Reconnector) NotifyDown(err error) {
	if err != nil {
		r.logger.Warn("broker link down", logging.String("broker", r.name), logging.Err(err))
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Attempts returns the number of dial attempts made so far.
func (r *Reconnector) Attempts() int64 { return r.attempts.Load() }

// Close stops the loop and waits for it to exit.
func (r *Reconnector) Close() {
	if !r.running.Swap(false) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconnector) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		r.attempts.Add(1)
		err := r.connect(ctx)
		if err == nil {
			r.logger.Info("broker link up", logging.String("broker", r.name))
			if r.onUp != nil {
				r.onUp()
			}
			// Sleep until someone reports the link down.
			select {
			case <-ctx.Done():
				return
			case <-r.kick:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("broker dial failed, will retry",
			logging.String("broker", r.name),
			logging.Duration("retry_in", r.interval),
			logging.Err(err))
		if r.onDown != nil {
			r.onDown(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.jittered()):
		case <-r.kick:
			// Explicit down notification shortcuts the wait.
		}
	}
}

// jittered spreads retries across [0.8, 1.2] of the base interval.
func (r *Reconnector) jittered() time.Duration {
	spread := int64(r.interval) / 5
	if spread <= 0 {
		return r.interval
	}
	return r.interval - time.Duration(spread/2) + time.Duration(rand.Int63n(spread))
}
