// Package worker runs one handler instance per request and supervises
// the fleet. A worker owns its handler exclusively and drives
// QUEUED → CONSTRUCTING → EXECUTING → terminal with a single TTL
// timer; cleanup runs exactly once per instance under a fixed budget,
// and panics anywhere in the handler surface become FAILED terminals
// instead of crashing the process.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// cleanupBudget bounds how long a terminal worker waits for Cleanup
// before abandoning it.
const cleanupBudget = 5 * time.Second

// Options assembles one worker.
type Options struct {
	Request *message.Request
	Config  *handlertypes.Config
	Handler handler.Handler

	// TTL is the effective time-to-live; zero or negative means the
	// request expired before execution and times out immediately.
	TTL time.Duration

	// Sink non-nil selects streaming execution.
	Sink handler.UpdateSink

	Logger  logging.Logger
	Metrics *prometheus.GatewayMetrics

	// OnTerminal fires exactly once after the terminal state is
	// published and Done is closed.
	OnTerminal func(*Worker)
}

// Worker drives a single handler instance through its lifecycle.
//
// Termination can be claimed by three racers: the run goroutine
// finishing, the TTL timer, and an external stop. Exactly one wins;
// the others observe the claim and back off. While Construct is in
// flight a stop or TTL expiry is parked as a pending phase and applied
// the moment Construct returns, because neither Stop nor Cleanup may
// overlap Construct.
type Worker struct {
	id string

	req  *message.Request
	cfg  *handlertypes.Config
	h    handler.Handler
	ttl  time.Duration
	sink handler.UpdateSink

	logger  logging.Logger
	metrics *prometheus.GatewayMetrics

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	mu         sync.Mutex
	state      *handlertypes.State
	pending    handlertypes.Phase
	pendingMsg string
	claimed    bool
	result     *message.Response

	cleanupOnce sync.Once
	done        chan struct{}
	onTerminal  func(*Worker)
}

// New builds a worker. parent bounds the handler's contexts; it should
// be the supervisor's root, not a transport request context, since the
// worker outlives the submitting connection.
func New(parent context.Context, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:         id,
		req:        opts.Request,
		cfg:        opts.Config,
		h:          opts.Handler,
		ttl:        opts.TTL,
		sink:       opts.Sink,
		logger:     logger.Named("worker").With(logging.HandlerID(id), logging.RequestID(opts.Request.RequestID)),
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		state:      handlertypes.NewState(id, opts.Request.RequestID, opts.Request.RequestType, opts.Request.Payload),
		done:       make(chan struct{}),
		onTerminal: opts.OnTerminal,
	}
}

// ID returns the handler id identifying this execution.
func (w *Worker) ID() string { return w.id }

// RequestID returns the request this worker serves.
func (w *Worker) RequestID() string { return w.req.RequestID }

// RequestType returns the served request type.
func (w *Worker) RequestType() string { return w.req.RequestType }

// Streaming reports whether this worker runs a streaming execution.
func (w *Worker) Streaming() bool { return w.sink != nil }

// Done is closed once the worker reaches a terminal state.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Result returns the terminal response. Valid only after Done.
func (w *Worker) Result() *message.Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// State returns a snapshot of the execution record.
func (w *Worker) State() handlertypes.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Snapshot()
}

// Wait blocks until the worker terminates or ctx expires.
func (w *Worker) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-w.done:
		resp := w.Result()
		if resp == nil {
			return nil, apperrors.New(apperrors.ErrCodeInternal, "worker finished without a response")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "waiting for worker "+w.id)
	}
}

// RequestStop asks the worker to wind down into STOPPED.
func (w *Worker) RequestStop(reason string) {
	if reason == "" {
		reason = "stopped by request"
	}
	w.requestTerminal(handlertypes.PhaseStopped, reason)
}

// Run executes the lifecycle. Call once, in its own goroutine.
func (w *Worker) Run() {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("worker panic: %v", r)
			w.logger.Error("worker panicked outside the handler surface",
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())))
			w.terminate(handlertypes.PhaseFailed, message.NewError(w.req.RequestID, msg), msg)
		}
	}()

	if w.ttl <= 0 {
		w.terminate(handlertypes.PhaseTimedOut, message.NewTimeout(w.req.RequestID), "ttl expired before execution")
		return
	}
	w.timer = time.AfterFunc(w.ttl, func() {
		w.requestTerminal(handlertypes.PhaseTimedOut, fmt.Sprintf("ttl of %s expired", w.ttl))
	})

	// CONSTRUCTING
	w.mu.Lock()
	if w.pending != "" {
		ph, msg := w.pending, w.pendingMsg
		w.mu.Unlock()
		w.terminate(ph, w.responseFor(ph, msg), msg)
		return
	}
	w.state.Phase = handlertypes.PhaseConstructing
	w.mu.Unlock()

	ctorErr := w.safeConstruct()

	w.mu.Lock()
	if w.pending != "" {
		ph, msg := w.pending, w.pendingMsg
		w.mu.Unlock()
		w.terminate(ph, w.responseFor(ph, msg), msg)
		return
	}
	if ctorErr != nil {
		w.mu.Unlock()
		msg := "construct failed: " + ctorErr.Error()
		w.terminate(handlertypes.PhaseFailed, message.NewError(w.req.RequestID, msg), msg)
		return
	}
	w.state.MarkStarted()
	w.mu.Unlock()

	// EXECUTING
	resp, execErr := w.safeExecute()
	if execErr != nil {
		w.terminate(handlertypes.PhaseFailed, message.NewError(w.req.RequestID, execErr.Error()), execErr.Error())
		return
	}
	if resp == nil {
		resp = message.NewSuccess(w.req.RequestID, nil)
	}
	w.terminate(handlertypes.PhaseCompleted, resp, "")
}

// requestTerminal handles the TTL and stop racers. During EXECUTING it
// takes over: cooperative stop, context cancel, then the full terminal
// path, even if Execute never returns. Earlier phases park the request
// for the run goroutine.
func (w *Worker) requestTerminal(phase handlertypes.Phase, msg string) {
	w.mu.Lock()
	if w.claimed || w.pending != "" {
		w.mu.Unlock()
		return
	}
	switch w.state.Phase {
	case handlertypes.PhaseExecuting:
		w.claimed = true
		w.mu.Unlock()
		w.h.Stop()
		w.cancel()
		w.finishClaimed(phase, w.responseFor(phase, msg), msg)
	case handlertypes.PhaseQueued, handlertypes.PhaseConstructing:
		w.pending, w.pendingMsg = phase, msg
		w.mu.Unlock()
		w.cancel()
	default:
		w.mu.Unlock()
	}
}

// terminate claims the terminal slot for the run goroutine's own
// outcomes; a lost race is a no-op.
func (w *Worker) terminate(phase handlertypes.Phase, resp *message.Response, errMsg string) {
	w.mu.Lock()
	if w.claimed {
		w.mu.Unlock()
		return
	}
	w.claimed = true
	w.mu.Unlock()
	w.finishClaimed(phase, resp, errMsg)
}

// finishClaimed runs with the terminal slot held: cleanup first, then
// the state transition, then the result publication.
func (w *Worker) finishClaimed(phase handlertypes.Phase, resp *message.Response, errMsg string) {
	w.runCleanup()

	w.mu.Lock()
	w.state.MarkTerminal(phase, errMsg)
	if ap, ok := w.h.(handler.ArtifactProducer); ok {
		if arts := ap.Artifacts(); len(arts) > 0 {
			w.state.Artifacts = arts
		}
	}
	if resp != nil {
		resp.WithHandler(w.id)
		if resp.ExecutionTimeMs == 0 && w.state.DurationMs != nil {
			resp.ExecutionTimeMs = *w.state.DurationMs
		}
		w.state.ResponseData = resp.Data
	}
	w.result = resp
	duration := time.Duration(0)
	if w.state.DurationMs != nil {
		duration = time.Duration(*w.state.DurationMs) * time.Millisecond
	}
	w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel()
	close(w.done)

	w.metrics.RecordHandlerExecution(w.req.RequestType, duration)
	w.logger.Info("worker terminal",
		logging.String("phase", string(phase)),
		logging.Duration("duration", duration))

	if w.onTerminal != nil {
		w.onTerminal(w)
	}
}

func (w *Worker) responseFor(phase handlertypes.Phase, msg string) *message.Response {
	if phase == handlertypes.PhaseTimedOut {
		return message.NewTimeout(w.req.RequestID)
	}
	return message.NewError(w.req.RequestID, msg)
}

func (w *Worker) safeConstruct() (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked in construct",
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())))
			err = apperrors.Newf(apperrors.ErrCodeHandlerConstruct, "handler panicked: %v", r)
		}
	}()
	if err := w.h.Construct(w.ctx, w.cfg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeHandlerConstruct, "constructing "+w.cfg.HandlerIdentifier)
	}
	return nil
}

func (w *Worker) safeExecute() (resp *message.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked in execute",
				logging.String("panic", fmt.Sprint(r)),
				logging.String("stack", string(debug.Stack())))
			resp = nil
			err = apperrors.Newf(apperrors.ErrCodeHandlerExecute, "handler panicked: %v", r)
		}
	}()
	if w.sink != nil {
		streamer, ok := w.h.(handler.Streamer)
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrCodeStreamingUnsupported,
				"handler %q cannot stream", w.cfg.HandlerIdentifier)
		}
		return streamer.ExecuteStreaming(w.ctx, w.req, w.sink)
	}
	return w.h.Execute(w.ctx, w.req)
}

// runCleanup invokes Cleanup exactly once with its own clock. A
// handler that overruns the budget is abandoned, not waited on.
func (w *Worker) runCleanup() {
	w.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupBudget)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("cleanup panicked: %v", r)
				}
				done <- err
			}()
			err = w.h.Cleanup(ctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				w.logger.Warn("cleanup failed", logging.Err(err))
			}
		case <-ctx.Done():
			w.logger.Warn("cleanup exceeded its budget, abandoning",
				logging.Duration("budget", cleanupBudget))
		}
	})
}
