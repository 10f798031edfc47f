// Package ingest turns broker deliveries into dispatched requests.
// Each declared ingester listens on one input channel, normalizes
// every raw payload into a canonical Request, and hands it to the
// dispatcher on its own submission slot so a slow handler never stalls
// the transport's receive loop. The Manager resolves declarations
// through the channel accessor and owns ingester lifecycle.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgfacade/gateway/internal/infrastructure/messaging/manager"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Property keys read from the resolved ingester bag. The bag is the
// deep-merge of broker properties, channel queue options, and the
// ingester's own overrides, later sources winning.
const (
	propRateLimit    = "rate_limit_per_sec"
	propRateBurst    = "rate_limit_burst"
	propMaxInFlight  = "max_in_flight"
	propDedupSeconds = "dedup_window_seconds"
)

const (
	defaultMaxInFlight  = 64
	defaultDedupSeconds = 300.0
)

// Submitter is the dispatcher seam. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req *message.Request) *message.Response
}

// Ingester is the lifecycle contract every source-specific consumer
// honors.
type Ingester interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Stats() Stats
	Type() string
}

// Stats is one ingester's counter snapshot.
type Stats struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	InputChannel   string    `json:"input_channel"`
	Running        bool      `json:"running"`
	Received       int64     `json:"received"`
	Submitted      int64     `json:"submitted"`
	Failed         int64     `json:"failed"`
	Rejected       int64     `json:"rejected"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
}

// BrokerIngester consumes one input channel and submits every parsed
// request to the dispatcher. Normalization follows a fixed ladder:
// parse, validate shape, reject duplicates, assign identity, stamp
// source and arrival, then submit asynchronously on a bounded slot.
type BrokerIngester struct {
	name       string
	channel    string
	brokerID   string
	brokerType brokertypes.Type
	props      brokertypes.Properties

	accessor  *manager.ChannelAccessor
	submitter Submitter
	logger    logging.Logger
	metrics   *prometheus.GatewayMetrics

	limiter *rate.Limiter
	dedup   *dedupWindow
	slots   chan struct{}

	detach    func()
	cancel    context.CancelFunc
	submitCtx context.Context
	wg        sync.WaitGroup
	running   atomic.Bool

	received  atomic.Int64
	submitted atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	timeMu    sync.Mutex
	startedAt time.Time
	lastAt    time.Time
}

// NewBrokerIngester builds an ingester from its resolved declaration.
func NewBrokerIngester(resolved *manager.ResolvedIngester, accessor *manager.ChannelAccessor, submitter Submitter, logger logging.Logger, metrics *prometheus.GatewayMetrics) *BrokerIngester {
	if logger == nil {
		logger = logging.Default()
	}
	return &BrokerIngester{
		name:       resolved.Ingester.Name,
		channel:    resolved.Channel.Name,
		brokerID:   resolved.Broker.BrokerID,
		brokerType: resolved.Broker.BrokerType,
		props:      resolved.Properties,
		accessor:   accessor,
		submitter:  submitter,
		logger:     logger.With(logging.String("ingester", resolved.Ingester.Name)),
		metrics:    metrics,
	}
}

// Name returns the declared ingester name.
func (i *BrokerIngester) Name() string { return i.name }

// Type reports the broker technology feeding this ingester. It is also
// the source_channel stamped on every request.
func (i *BrokerIngester) Type() string { return string(i.brokerType) }

// Running reports whether the ingester is consuming.
func (i *BrokerIngester) Running() bool { return i.running.Load() }

// Initialize prepares limiter, dedup window, and submission slots from
// the resolved property bag. Idempotent.
func (i *BrokerIngester) Initialize(ctx context.Context) error {
	if i.submitter == nil {
		return apperrors.New(apperrors.ErrCodeInternal, "ingester has no dispatcher attached")
	}

	if rps := i.props.Float(propRateLimit, 0); rps > 0 {
		burst := i.props.Int(propRateBurst, int(rps)+1)
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	window := i.props.Float(propDedupSeconds, defaultDedupSeconds)
	i.dedup = newDedupWindow(time.Duration(window * float64(time.Second)))

	inFlight := i.props.Int(propMaxInFlight, defaultMaxInFlight)
	if inFlight < 1 {
		inFlight = 1
	}
	i.slots = make(chan struct{}, inFlight)
	if i.submitCtx == nil {
		i.submitCtx, i.cancel = context.WithCancel(context.Background())
	}
	return nil
}

// Start attaches to every destination of the input channel. The
// returned error is a configuration or broker problem; a connected
// but idle channel starts cleanly.
func (i *BrokerIngester) Start(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return nil
	}
	detach, err := i.accessor.Listen(ctx, i.channel, i.handleEnvelope)
	if err != nil {
		i.running.Store(false)
		return apperrors.Wrapf(err, apperrors.ErrCodeIngestSubmit, "ingester %q cannot listen on %q", i.name, i.channel)
	}
	i.detach = detach

	now := time.Now().UTC()
	i.timeMu.Lock()
	i.startedAt = now
	i.timeMu.Unlock()

	i.logger.Info("ingester started",
		logging.String("channel", i.channel),
		logging.BrokerID(i.brokerID),
		logging.String("type", i.Type()))
	return nil
}

// Stop detaches from the channel and drains in-flight submissions.
// When ctx expires before the drain finishes the remaining waits are
// abandoned; their workers still finish under the supervisor.
func (i *BrokerIngester) Stop(ctx context.Context) error {
	if !i.running.CompareAndSwap(true, false) {
		return nil
	}
	if i.detach != nil {
		i.detach()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		i.cancel()
		<-done
	}
	i.cancel()

	i.logger.Info("ingester stopped",
		logging.Int64("received", i.received.Load()),
		logging.Int64("submitted", i.submitted.Load()),
		logging.Int64("failed", i.failed.Load()),
		logging.Int64("rejected", i.rejected.Load()))
	return nil
}

// Stats returns a point-in-time counter snapshot.
func (i *BrokerIngester) Stats() Stats {
	i.timeMu.Lock()
	startedAt, lastAt := i.startedAt, i.lastAt
	i.timeMu.Unlock()
	return Stats{
		Name:           i.name,
		Type:           i.Type(),
		InputChannel:   i.channel,
		Running:        i.running.Load(),
		Received:       i.received.Load(),
		Submitted:      i.submitted.Load(),
		Failed:         i.failed.Load(),
		Rejected:       i.rejected.Load(),
		StartedAt:      startedAt,
		LastActivityAt: lastAt,
	}
}

// handleEnvelope is the DeliveryFunc bound to every destination. It
// always acks: parse and validation failures are poison, not worth a
// redelivery loop, and submission outcomes are settled asynchronously.
func (i *BrokerIngester) handleEnvelope(ctx context.Context, env *brokertypes.Envelope) error {
	i.received.Add(1)
	i.touch()

	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var req message.Request
	if err := json.Unmarshal(env.Value, &req); err != nil {
		i.reject(env, apperrors.Wrap(err, apperrors.ErrCodeIngestParse, "payload is not a request"))
		return nil
	}
	if err := req.Validate(); err != nil {
		i.reject(env, apperrors.Wrap(err, apperrors.ErrCodeIngestRejected, "request shape invalid"))
		return nil
	}
	if strings.TrimSpace(req.RequestID) != "" && i.dedup.seen(req.RequestID) {
		i.reject(env, apperrors.Newf(apperrors.ErrCodeIngestDuplicate, "request %s already ingested", req.RequestID))
		return nil
	}
	req.EnsureID()
	req.SourceChannel = message.SourceChannel(i.Type())
	req.ReceivedAt = time.Now().UTC()

	// Blocking on a slot is the backpressure path: the transport's
	// receive loop slows down instead of the gateway buffering
	// unboundedly.
	select {
	case i.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	i.metrics.SetIngestQueueDepth(i.name, float64(len(i.slots)))

	i.wg.Add(1)
	go i.submit(&req)
	return nil
}

func (i *BrokerIngester) submit(req *message.Request) {
	defer func() {
		<-i.slots
		i.metrics.SetIngestQueueDepth(i.name, float64(len(i.slots)))
		i.wg.Done()
	}()

	resp := i.submitter.Submit(i.submitCtx, req)
	i.touch()
	if resp != nil && (resp.Status == message.StatusSuccess || resp.Status == message.StatusPartial) {
		i.submitted.Add(1)
		i.metrics.RecordIngest(i.name, "submitted")
		return
	}
	i.failed.Add(1)
	i.metrics.RecordIngest(i.name, "failed")
	status := "none"
	errMsg := ""
	if resp != nil {
		status = string(resp.Status)
		errMsg = resp.ErrorMessage
	}
	i.logger.Warn("request failed",
		logging.RequestID(req.RequestID),
		logging.RequestType(req.RequestType),
		logging.String("status", status),
		logging.String("error", errMsg))
}

func (i *BrokerIngester) reject(env *brokertypes.Envelope, err error) {
	i.rejected.Add(1)
	i.metrics.RecordIngest(i.name, "rejected")
	i.logger.Warn("envelope rejected",
		logging.Topic(env.Topic),
		logging.String("message_id", env.MessageID),
		logging.Err(err))
}

func (i *BrokerIngester) touch() {
	now := time.Now().UTC()
	i.timeMu.Lock()
	i.lastAt = now
	i.timeMu.Unlock()
}

// dedupWindow rejects request ids seen within a sliding window. The
// map is pruned opportunistically on each lookup with a small budget
// so no background goroutine is needed.
type dedupWindow struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	if ttl <= 0 {
		ttl = time.Duration(defaultDedupSeconds * float64(time.Second))
	}
	return &dedupWindow{ttl: ttl, ids: make(map[string]time.Time)}
}

// seen records id and reports whether it was already present within
// the window.
func (d *dedupWindow) seen(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	pruned := 0
	for k, at := range d.ids {
		if now.Sub(at) > d.ttl {
			delete(d.ids, k)
			pruned++
			if pruned >= 128 {
				break
			}
		}
	}

	if at, ok := d.ids[id]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	d.ids[id] = now
	return false
}
