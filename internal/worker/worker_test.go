package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// recordingHandler counts lifecycle calls and can be scripted to fail,
// panic, or dawdle at each step.
type recordingHandler struct {
	handler.Base

	constructErr   error
	constructPanic bool
	executePanic   bool
	executeDelay   time.Duration
	nilResult      bool
	result         map[string]interface{}

	constructs atomic.Int32
	executes   atomic.Int32
	cleanups   atomic.Int32
}

func (h *recordingHandler) Construct(_ context.Context, _ *handlertypes.Config) error {
	h.constructs.Add(1)
	if h.constructPanic {
		panic("construct blew up")
	}
	return h.constructErr
}

func (h *recordingHandler) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	h.executes.Add(1)
	if h.executePanic {
		panic("execute blew up")
	}
	deadline := time.Now().Add(h.executeDelay)
	for time.Now().Before(deadline) {
		if h.Stopped() {
			return nil, apperrors.New(apperrors.ErrCodeHandlerStopped, "stopped mid-flight")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		time.Sleep(2 * time.Millisecond)
	}
	if h.nilResult {
		return nil, nil
	}
	data := h.result
	if data == nil {
		data = map[string]interface{}{"ok": true}
	}
	return message.NewSuccess(req.RequestID, data), nil
}

func (h *recordingHandler) Cleanup(_ context.Context) error {
	h.cleanups.Add(1)
	return nil
}

// fixedStreamer emits a fixed number of updates through the sink.
type fixedStreamer struct {
	recordingHandler
	ticks int
}

func (h *fixedStreamer) ExecuteStreaming(ctx context.Context, req *message.Request, sink handler.UpdateSink) (*message.Response, error) {
	emitted := 0
	for i := 1; i <= h.ticks; i++ {
		if h.Cancelled(ctx) {
			break
		}
		if err := sink(ctx, map[string]interface{}{"tick": i}); err != nil {
			return nil, err
		}
		emitted++
	}
	return message.NewSuccess(req.RequestID, map[string]interface{}{"ticks": emitted}), nil
}

// artifactHandler reports one produced artifact after execution.
type artifactHandler struct {
	recordingHandler
}

func (h *artifactHandler) Artifacts() []string {
	return []string{"file:///tmp/dgf/report.txt"}
}

func workerRequest() *message.Request {
	req := message.NewRequest("ECHO", "dgf-test-key-0001", map[string]interface{}{"n": 1})
	req.SourceChannel = message.SourceREST
	return req
}

func workerConfig() *handlertypes.Config {
	return &handlertypes.Config{
		RequestType:       "ECHO",
		HandlerIdentifier: "test.recording",
		TTLMinutes:        5,
		Enabled:           true,
	}
}

func startWorker(t *testing.T, h handler.Handler, ttl time.Duration, sink handler.UpdateSink) *Worker {
	t.Helper()
	w := New(context.Background(), Options{
		Request: workerRequest(),
		Config:  workerConfig(),
		Handler: h,
		TTL:     ttl,
		Sink:    sink,
		Logger:  logging.NewNopLogger(),
	})
	go w.Run()
	return w
}

func waitWorker(t *testing.T, w *Worker) *message.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := w.Wait(ctx)
	require.NoError(t, err)
	return resp
}

func TestWorker_Run_CompletesHappyPath(t *testing.T) {
	h := &recordingHandler{result: map[string]interface{}{"answer": 42}}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusSuccess, resp.Status)
	assert.Equal(t, w.ID(), resp.HandlerID)
	assert.Equal(t, 42, resp.Data["answer"])

	state := w.State()
	assert.Equal(t, handlertypes.PhaseCompleted, state.Phase)
	assert.True(t, state.Success)
	require.NotNil(t, state.StartedAt)
	require.NotNil(t, state.CompletedAt)
	require.NotNil(t, state.DurationMs)

	assert.EqualValues(t, 1, h.constructs.Load())
	assert.EqualValues(t, 1, h.executes.Load())
	assert.EqualValues(t, 1, h.cleanups.Load())
}

func TestWorker_Run_ConstructErrorFails(t *testing.T) {
	h := &recordingHandler{constructErr: apperrors.New(apperrors.ErrCodeServiceUnavailable, "backend down")}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "construct failed")

	state := w.State()
	assert.Equal(t, handlertypes.PhaseFailed, state.Phase)
	assert.False(t, state.Success)
	assert.Nil(t, state.StartedAt)

	assert.EqualValues(t, 0, h.executes.Load())
	assert.EqualValues(t, 1, h.cleanups.Load())
}

func TestWorker_Run_ConstructPanicFails(t *testing.T) {
	h := &recordingHandler{constructPanic: true}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "panicked")
	assert.Equal(t, handlertypes.PhaseFailed, w.State().Phase)
	assert.EqualValues(t, 0, h.executes.Load())
}

func TestWorker_Run_ExecutePanicFails(t *testing.T) {
	h := &recordingHandler{executePanic: true}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "panicked")
	assert.Equal(t, handlertypes.PhaseFailed, w.State().Phase)
	assert.EqualValues(t, 1, h.cleanups.Load())
}

func TestWorker_Run_ZeroTTLTimesOutBeforeConstruct(t *testing.T) {
	h := &recordingHandler{}
	w := startWorker(t, h, 0, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusTimeout, resp.Status)

	state := w.State()
	assert.Equal(t, handlertypes.PhaseTimedOut, state.Phase)
	assert.Equal(t, "ttl expired before execution", state.ErrorMessage)
	assert.Nil(t, state.StartedAt)

	assert.EqualValues(t, 0, h.constructs.Load())
	assert.EqualValues(t, 0, h.executes.Load())
	assert.EqualValues(t, 1, h.cleanups.Load())
}

func TestWorker_Run_TTLMidExecuteTimesOut(t *testing.T) {
	h := &recordingHandler{executeDelay: 5 * time.Second}
	w := startWorker(t, h, 60*time.Millisecond, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusTimeout, resp.Status)
	assert.Equal(t, handlertypes.PhaseTimedOut, w.State().Phase)
	assert.True(t, h.Stopped())

	// give the losing run goroutine time to cross the finish line
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, h.cleanups.Load(), "cleanup must run exactly once")
}

func TestWorker_RequestStop_DuringExecute(t *testing.T) {
	h := &recordingHandler{executeDelay: 5 * time.Second}
	w := startWorker(t, h, time.Minute, nil)

	require.Eventually(t, func() bool {
		return w.State().Phase == handlertypes.PhaseExecuting
	}, 2*time.Second, 5*time.Millisecond)

	w.RequestStop("operator asked")
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	state := w.State()
	assert.Equal(t, handlertypes.PhaseStopped, state.Phase)
	assert.Equal(t, "operator asked", state.ErrorMessage)
	assert.EqualValues(t, 1, h.cleanups.Load())
}

func TestWorker_RequestStop_BeforeRunSkipsHandler(t *testing.T) {
	h := &recordingHandler{}
	w := New(context.Background(), Options{
		Request: workerRequest(),
		Config:  workerConfig(),
		Handler: h,
		TTL:     time.Minute,
		Logger:  logging.NewNopLogger(),
	})
	w.RequestStop("cancelled before start")
	go w.Run()
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	assert.Equal(t, handlertypes.PhaseStopped, w.State().Phase)
	assert.EqualValues(t, 0, h.constructs.Load())
	assert.EqualValues(t, 0, h.executes.Load())
}

func TestWorker_Run_NilResponseBecomesEmptySuccess(t *testing.T) {
	h := &recordingHandler{nilResult: true}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusSuccess, resp.Status)
	assert.Nil(t, resp.Data)
}

func TestWorker_Run_StreamingDeliversUpdates(t *testing.T) {
	var mu sync.Mutex
	var updates []map[string]interface{}
	sink := func(_ context.Context, data map[string]interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, data)
		return nil
	}

	h := &fixedStreamer{ticks: 3}
	w := startWorker(t, h, time.Minute, sink)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusSuccess, resp.Status)
	assert.Equal(t, 3, resp.Data["ticks"])
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 3)
	assert.Equal(t, 1, updates[0]["tick"])
	assert.Equal(t, 3, updates[2]["tick"])
}

func TestWorker_Run_StreamingOnOneShotHandlerFails(t *testing.T) {
	sink := func(_ context.Context, _ map[string]interface{}) error { return nil }
	h := &recordingHandler{}
	w := startWorker(t, h, time.Minute, sink)
	resp := waitWorker(t, w)

	assert.Equal(t, message.StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "cannot stream")
	assert.Equal(t, handlertypes.PhaseFailed, w.State().Phase)
}

func TestWorker_Run_CollectsArtifacts(t *testing.T) {
	h := &artifactHandler{}
	w := startWorker(t, h, time.Minute, nil)
	waitWorker(t, w)

	state := w.State()
	require.Len(t, state.Artifacts, 1)
	assert.Equal(t, "file:///tmp/dgf/report.txt", state.Artifacts[0])
}

func TestWorker_Wait_HonorsCallerDeadline(t *testing.T) {
	h := &recordingHandler{executeDelay: 5 * time.Second}
	w := startWorker(t, h, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTimeout))

	w.RequestStop("test teardown")
	waitWorker(t, w)
}

func TestWorker_Result_ReportsExecutionTime(t *testing.T) {
	h := &recordingHandler{executeDelay: 30 * time.Millisecond}
	w := startWorker(t, h, time.Minute, nil)
	resp := waitWorker(t, w)

	assert.GreaterOrEqual(t, resp.ExecutionTimeMs, int64(25))
}
