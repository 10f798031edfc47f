package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/execlog"
	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Supervisor owns every live worker and the bounded execution history.
// Workers register on spawn and deregister themselves on termination;
// their final state lands in the ring and, when enabled, the execution
// log.
type Supervisor struct {
	logger  logging.Logger
	metrics *prometheus.GatewayMetrics
	execLog *execlog.Writer

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	live   map[string]*Worker
	ring   *Ring
	closed bool

	completed atomic.Int64
}

// NewSupervisor wires the history ring from hist and, when log is
// non-nil, mirrors terminal states into the execution log.
func NewSupervisor(hist config.HistoryConfig, log *execlog.Writer, logger logging.Logger, metrics *prometheus.GatewayMetrics) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:     logger.Named("supervisor"),
		metrics:    metrics,
		execLog:    log,
		rootCtx:    ctx,
		rootCancel: cancel,
		live:       make(map[string]*Worker),
		ring:       NewRing(hist.RingCapacity, hist.MaxAge),
	}
}

// Spawn creates a worker for req and starts its lifecycle goroutine.
func (s *Supervisor) Spawn(req *message.Request, cfg *handlertypes.Config, h handler.Handler, ttl time.Duration, sink handler.UpdateSink) (*Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "supervisor is shut down")
	}
	w := New(s.rootCtx, Options{
		Request:    req,
		Config:     cfg,
		Handler:    h,
		TTL:        ttl,
		Sink:       sink,
		Logger:     s.logger,
		Metrics:    s.metrics,
		OnTerminal: s.onTerminal,
	})
	s.live[w.ID()] = w
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveWorkers.WithLabelValues(req.RequestType).Inc()
	}
	s.logger.Debug("worker spawned",
		logging.HandlerID(w.ID()),
		logging.RequestID(req.RequestID),
		logging.RequestType(req.RequestType))

	go w.Run()
	return w, nil
}

// Stop requests a graceful stop of the identified worker.
func (s *Supervisor) Stop(handlerID, reason string) error {
	s.mu.Lock()
	w, ok := s.live[handlerID]
	s.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "no active handler %q", handlerID)
	}
	w.RequestStop(reason)
	return nil
}

// StopAll requests a stop of every live worker.
func (s *Supervisor) StopAll(reason string) {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.live))
	for _, w := range s.live {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.RequestStop(reason)
	}
}

// QueryState finds an execution record by handler id, live or
// historical.
func (s *Supervisor) QueryState(handlerID string) (handlertypes.State, bool) {
	s.mu.Lock()
	w, ok := s.live[handlerID]
	s.mu.Unlock()
	if ok {
		return w.State(), true
	}
	return s.ring.Find(handlerID)
}

// Live snapshots the states of all in-flight workers, newest first not
// guaranteed.
func (s *Supervisor) Live() []handlertypes.State {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.live))
	for _, w := range s.live {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	states := make([]handlertypes.State, 0, len(workers))
	for _, w := range workers {
		states = append(states, w.State())
	}
	return states
}

// LiveCount reports how many workers are in flight.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Completed reports how many workers have reached a terminal phase
// since startup.
func (s *Supervisor) Completed() int64 {
	return s.completed.Load()
}

// History returns up to limit terminal states, newest first.
func (s *Supervisor) History(limit int) []handlertypes.State {
	return s.ring.Entries(limit)
}

// HistoryByRequest returns terminal states for one request, newest
// first.
func (s *Supervisor) HistoryByRequest(requestID string) []handlertypes.State {
	return s.ring.ByRequest(requestID)
}

// Drain blocks until no workers remain live or ctx expires.
func (s *Supervisor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.LiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrapf(ctx.Err(), apperrors.ErrCodeTimeout, "draining with %d workers live", s.LiveCount())
		case <-ticker.C:
		}
	}
}

// Shutdown refuses new spawns, waits for in-flight workers up to ctx,
// stops stragglers, and cancels the root context.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Drain(ctx)
	if err != nil {
		s.StopAll("gateway shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), cleanupBudget+time.Second)
		defer cancel()
		if derr := s.Drain(stopCtx); derr == nil {
			err = nil
		}
	}
	s.rootCancel()
	return err
}

// onTerminal is installed as every worker's terminal callback.
func (s *Supervisor) onTerminal(w *Worker) {
	state := w.State()

	s.mu.Lock()
	delete(s.live, w.ID())
	s.ring.Add(state)
	ringSize := s.ring.Len()
	s.mu.Unlock()
	s.completed.Add(1)

	if s.metrics != nil {
		s.metrics.ActiveWorkers.WithLabelValues(state.RequestType).Dec()
		s.metrics.HistoryRingSize.WithLabelValues().Set(float64(ringSize))
	}
	s.execLog.Append(&state)
}
