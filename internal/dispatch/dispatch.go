// Package dispatch turns validated requests into worker executions.
// Submit authorizes the caller, resolves the handler, routes one-shot
// or streaming by capability, and always answers with a Response
// whose status carries the outcome; transports never see an error
// they have to translate themselves.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// waitGrace pads the one-shot wait past the worker's TTL so the
// worker's own TIMED_OUT terminal wins over a synthesized timeout.
const waitGrace = 2 * time.Second

// fallbackTTL applies when neither the request, the handler, nor the
// system configures one.
const fallbackTTL = 5 * time.Minute

// Authorizer resolves an api key against a request type's ACL.
// auth.Store satisfies it.
type Authorizer interface {
	Authorize(apiKey, requestType string) (string, error)
}

// Resolver maps a request type to its handler binding. The handler
// registry satisfies it.
type Resolver interface {
	Resolve(requestType, userID string) (*registry.Resolution, error)
}

// PeerForwarder ships a request to a cluster peer able to serve it.
// CLU_003 signals that no peer advertises the type.
type PeerForwarder interface {
	Forward(ctx context.Context, req *message.Request) (*message.Response, error)
}

// Dispatcher is the execution engine front door.
type Dispatcher struct {
	cfg      config.DispatchConfig
	auth     Authorizer
	resolver Resolver
	sup      *worker.Supervisor
	sessions *streaming.SessionManager

	channels  handler.ChannelPublisher
	artifacts handler.ArtifactStore
	forwarder PeerForwarder

	logger  logging.Logger
	metrics *prometheus.GatewayMetrics
}

// Options wires a Dispatcher. Channels, Artifacts, and Forwarder are
// optional; capability handlers fail construction when the capability
// they need is absent.
type Options struct {
	Config     config.DispatchConfig
	Authorizer Authorizer
	Resolver   Resolver
	Supervisor *worker.Supervisor
	Sessions   *streaming.SessionManager
	Channels   handler.ChannelPublisher
	Artifacts  handler.ArtifactStore
	Forwarder  PeerForwarder
	Logger     logging.Logger
	Metrics    *prometheus.GatewayMetrics
}

// New builds the dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		cfg:       opts.Config,
		auth:      opts.Authorizer,
		resolver:  opts.Resolver,
		sup:       opts.Supervisor,
		sessions:  opts.Sessions,
		channels:  opts.Channels,
		artifacts: opts.Artifacts,
		forwarder: opts.Forwarder,
		logger:    logger.Named("dispatch"),
		metrics:   opts.Metrics,
	}
}

// SetForwarder attaches the cluster forwarder. Wiring is late because
// the cluster client needs the HTTP base the dispatcher is served on.
func (d *Dispatcher) SetForwarder(f PeerForwarder) { d.forwarder = f }

// Submit runs the full dispatch pipeline and always returns a
// Response. ctx bounds the caller's wait, not the worker: a worker
// outlives a disconnecting client and finishes under its own TTL.
func (d *Dispatcher) Submit(ctx context.Context, req *message.Request) *message.Response {
	req.EnsureID()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return d.finish(message.NewError(req.RequestID, err.Error()), "invalid")
	}
	req.RequestType = strings.ToUpper(strings.TrimSpace(req.RequestType))

	userID, err := d.auth.Authorize(req.APIKey, req.RequestType)
	if err != nil {
		resp := message.NewUnauthorized(req.RequestID)
		if apperrors.IsCode(err, apperrors.ErrCodeForbidden) {
			resp.ErrorMessage = err.Error()
		}
		return d.finish(resp, "unauthorized")
	}
	req.ResolvedUserID = userID

	res, err := d.resolver.Resolve(req.RequestType, userID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeHandlerNotFound) {
			if resp, handled := d.tryForward(ctx, req); handled {
				return resp
			}
			return d.finish(message.NewHandlerNotFound(req.RequestID, req.RequestType), "handler_not_found")
		}
		return d.finish(message.NewError(req.RequestID, err.Error()), "rejected")
	}

	h := res.Factory()
	d.inject(h)

	_, streamer := h.(handler.Streamer)
	if streamer || req.WantsStreaming() {
		return d.finish(d.submitStreaming(req, res.Config, h), "streaming")
	}
	return d.finish(d.submitOneShot(ctx, req, res.Config, h), "")
}

func (d *Dispatcher) submitOneShot(ctx context.Context, req *message.Request, hcfg *handlertypes.Config, h handler.Handler) *message.Response {
	if d.cfg.MaxConcurrentRequests > 0 && d.sup.LiveCount() >= d.cfg.MaxConcurrentRequests {
		return message.NewError(req.RequestID, "gateway at capacity, retry later")
	}

	ttl := d.effectiveTTL(req, hcfg)
	w, err := d.sup.Spawn(req, hcfg, h, ttl, nil)
	if err != nil {
		return message.NewError(req.RequestID, err.Error())
	}

	waitCtx, cancel := context.WithTimeout(ctx, ttl+waitGrace)
	defer cancel()
	resp, err := w.Wait(waitCtx)
	if err != nil {
		// The worker keeps running; its own timer ends it. This only
		// covers a caller deadline shorter than the TTL.
		d.logger.Warn("caller gave up before the worker finished",
			logging.RequestID(req.RequestID),
			logging.HandlerID(w.ID()))
		return message.NewTimeout(req.RequestID).WithHandler(w.ID())
	}
	return resp
}

func (d *Dispatcher) submitStreaming(req *message.Request, hcfg *handlertypes.Config, h handler.Handler) *message.Response {
	s, err := d.sessions.Open(req, hcfg)
	if err != nil {
		return message.NewError(req.RequestID, err.Error())
	}

	w, err := d.sup.Spawn(req, hcfg, h, s.TTL, d.sessions.Sink(s))
	if err != nil {
		d.sessions.Complete(s, nil, err.Error())
		return message.NewError(req.RequestID, err.Error())
	}
	s.WorkerID = w.ID()
	go d.watchSession(s, w)

	ack := message.NewSuccess(req.RequestID, map[string]interface{}{
		"session_id":  s.ID,
		"streaming":   true,
		"channels":    s.Channels,
		"ttl_minutes": s.TTL.Minutes(),
	})
	return ack.WithHandler(w.ID())
}

// watchSession closes the session when its driving worker terminates,
// covering completion, stop, and TTL expiry alike.
func (d *Dispatcher) watchSession(s *streaming.Session, w *worker.Worker) {
	<-w.Done()
	resp := w.Result()
	if resp == nil {
		d.sessions.Complete(s, nil, "worker produced no result")
		return
	}
	errMsg := ""
	if resp.Status != message.StatusSuccess {
		errMsg = resp.ErrorMessage
		if errMsg == "" {
			errMsg = "handler finished " + string(resp.Status)
		}
	}
	d.sessions.Complete(s, resp.Data, errMsg)
}

// tryForward attempts a cluster bypass for an unregistered type.
// handled=false falls through to the local HANDLER_NOT_FOUND.
func (d *Dispatcher) tryForward(ctx context.Context, req *message.Request) (*message.Response, bool) {
	if !d.cfg.Forwarding || d.forwarder == nil {
		return nil, false
	}
	timeout := d.cfg.ForwardTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.forwarder.Forward(fctx, req)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNoEligiblePeer) {
			return nil, false
		}
		d.logger.Warn("cluster forward failed",
			logging.RequestID(req.RequestID),
			logging.RequestType(req.RequestType),
			logging.Err(err))
		return d.finish(message.NewError(req.RequestID, "forwarding failed: "+err.Error()), "forward_failed"), true
	}
	return d.finish(resp, "forwarded"), true
}

func (d *Dispatcher) inject(h handler.Handler) {
	if ca, ok := h.(handler.ChannelAware); ok && d.channels != nil {
		ca.SetChannelAccessor(d.channels)
	}
	if aa, ok := h.(handler.ArtifactAware); ok && d.artifacts != nil {
		aa.SetArtifactStore(d.artifacts)
	}
}

// effectiveTTL is request TTL, else handler TTL, else system default,
// capped by the system ceiling. An explicit zero stays zero and times
// out before execution.
func (d *Dispatcher) effectiveTTL(req *message.Request, hcfg *handlertypes.Config) time.Duration {
	ttl, ok := req.TTL()
	if !ok {
		switch {
		case hcfg.TTLMinutes > 0:
			ttl = time.Duration(hcfg.TTLMinutes * float64(time.Minute))
		case d.cfg.DefaultTTLMinutes > 0:
			ttl = time.Duration(d.cfg.DefaultTTLMinutes * float64(time.Minute))
		default:
			ttl = fallbackTTL
		}
	}
	if d.cfg.MaxTTLMinutes > 0 {
		if ceiling := time.Duration(d.cfg.MaxTTLMinutes * float64(time.Minute)); ttl > ceiling {
			ttl = ceiling
		}
	}
	return ttl
}

func (d *Dispatcher) finish(resp *message.Response, result string) *message.Response {
	if result == "" {
		result = strings.ToLower(string(resp.Status))
	}
	d.metrics.RecordDispatch(result)
	d.metrics.RecordResponse(string(resp.Status))
	return resp
}
