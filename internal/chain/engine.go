// Package chain executes declarative handler pipelines. The engine is
// itself a handler: a handler config binds a request type to
// Identifier, and its opaque config block decodes into a chain
// declaration, either inline or by chain_id reference into
// chains/*.json. Every step re-enters the dispatcher as a fresh
// request, so chains compose with auth, worker TTLs, and cluster
// forwarding exactly like direct calls.
package chain

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	"github.com/dgfacade/gateway/internal/registry"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	chaintypes "github.com/dgfacade/gateway/pkg/types/chain"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Identifier is the factory name handler configs bind chains to.
const Identifier = "chain.engine"

// defaultBranchTimeout bounds one parallel branch when the chain
// declares no parallel_branch_timeout_seconds.
const defaultBranchTimeout = 60 * time.Second

// Trace entry statuses.
const (
	stepCompleted = "COMPLETED"
	stepFailed    = "FAILED"
	stepSkipped   = "SKIPPED"
	stepFallback  = "FALLBACK"
)

// Submitter re-enters the dispatch pipeline for one step. The
// dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req *message.Request) *message.Response
}

// Source looks up stored chain declarations referenced by chain_id.
// The config store satisfies it.
type Source interface {
	Chain(chainID string) (*chaintypes.Config, bool)
}

// Runtime carries the dependencies every engine instance shares. The
// submitter attaches after the dispatcher exists; until then chains
// construct but refuse to execute.
type Runtime struct {
	mu        sync.RWMutex
	submitter Submitter

	source  Source
	logger  logging.Logger
	metrics *prometheus.GatewayMetrics
}

// NewRuntime builds the shared engine runtime. source may be nil when
// chains are always declared inline.
func NewRuntime(source Source, logger logging.Logger, metrics *prometheus.GatewayMetrics) *Runtime {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runtime{
		source:  source,
		logger:  logger.Named("chain"),
		metrics: metrics,
	}
}

// SetSubmitter attaches the dispatcher. Wiring is late because the
// dispatcher itself resolves handlers out of the registry the engine
// registers into.
func (rt *Runtime) SetSubmitter(s Submitter) {
	rt.mu.Lock()
	rt.submitter = s
	rt.mu.Unlock()
}

// Submitter returns the attached dispatcher, nil before wiring.
func (rt *Runtime) Submitter() Submitter {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.submitter
}

// Factory hands the registry a constructor bound to this runtime.
func (rt *Runtime) Factory() registry.Factory {
	return func() handler.Handler { return NewEngine(rt) }
}

// Register binds the engine into the factory table under Identifier.
func (rt *Runtime) Register(f *registry.Factories) error {
	return f.Register(Identifier, rt.Factory())
}

// Engine is one chain execution instance. The worker constructs it
// per request like any other handler.
type Engine struct {
	handler.Base

	rt     *Runtime
	cfg    *chaintypes.Config
	logger logging.Logger
}

// NewEngine builds an unconfigured engine; Construct decodes the
// chain declaration.
func NewEngine(rt *Runtime) *Engine {
	return &Engine{rt: rt, logger: rt.logger}
}

// Construct decodes the handler config into a chain declaration. A
// config holding only a chain_id pulls the stored declaration; an
// empty step list is tolerated here so it surfaces as a response at
// execution time rather than a construction failure.
func (e *Engine) Construct(_ context.Context, hcfg *handlertypes.Config) error {
	cfg, err := decodeConfig(hcfg.Config)
	if err != nil {
		return err
	}
	if len(cfg.Steps) == 0 && cfg.ChainID != "" && e.rt.source != nil {
		if stored, ok := e.rt.source.Chain(cfg.ChainID); ok {
			cfg = stored
		}
	}
	if strings.TrimSpace(cfg.ChainID) == "" {
		cfg.ChainID = strings.ToLower(strings.TrimSpace(hcfg.RequestType))
	}
	if err := cfg.ValidateSteps(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "chain declaration invalid")
	}
	e.cfg = cfg
	e.logger = e.rt.logger.With(logging.String("chain_id", cfg.ChainID))
	return nil
}

// Execute walks the steps in order, threading the state tuple through
// merges, and answers with the final output plus the step trace.
func (e *Engine) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	cfg := e.cfg
	if cfg == nil || len(cfg.Steps) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeChainEmpty, "no steps defined")
	}
	sub := e.rt.Submitter()
	if sub == nil {
		return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "chain engine has no dispatcher attached")
	}

	if cfg.TTLMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TTLMinutes*float64(time.Minute)))
		defer cancel()
	}

	st := &state{
		payload:   req.Payload,
		steps:     make(map[string]interface{}),
		prev:      req.Payload,
		requestID: req.RequestID,
	}

	for i := range cfg.Steps {
		if e.Cancelled(ctx) {
			return nil, apperrors.Newf(apperrors.ErrCodeChainAborted, "chain %s cancelled at step %d", cfg.ChainID, i)
		}
		step := &cfg.Steps[i]
		st.stepIndex = i

		var err error
		if step.IsParallel() {
			err = e.runParallel(ctx, sub, req, st, step, i)
		} else {
			err = e.runStep(ctx, sub, req, st, step, i)
		}
		if err != nil {
			return nil, err
		}
	}

	return message.NewSuccess(req.RequestID, map[string]interface{}{
		"chain_id": cfg.ChainID,
		"output":   st.prev,
		"trace":    st.trace,
	}), nil
}

func (e *Engine) Cleanup(_ context.Context) error { return nil }

// runStep executes one sequential step: condition, payload
// resolution, dispatch, then merge or error strategy.
func (e *Engine) runStep(ctx context.Context, sub Submitter, req *message.Request, st *state, step *chaintypes.Step, index int) error {
	alias := step.EffectiveAlias(index)
	if w := strings.TrimSpace(step.When); w != "" && !e.evalWhen(st, w) {
		st.record(traceEntry{Step: stepName(step, alias), Handler: step.Handler, Status: stepSkipped})
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, "skipped")
		return nil
	}

	start := time.Now()
	resp := sub.Submit(ctx, e.subRequest(req, st, step))
	elapsed := time.Since(start)

	if resp.Status == message.StatusSuccess || resp.Status == message.StatusPartial {
		st.apply(step, alias, resp.Data)
		st.record(traceEntry{
			Step:       stepName(step, alias),
			Handler:    step.Handler,
			Status:     stepCompleted,
			DurationMs: elapsed.Milliseconds(),
		})
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, "completed")
		return nil
	}
	return e.failStep(st, step, alias, resp, elapsed)
}

// failStep applies the effective error strategy to a non-success step
// response.
func (e *Engine) failStep(st *state, step *chaintypes.Step, alias string, resp *message.Response, elapsed time.Duration) error {
	errMsg := resp.ErrorMessage
	if errMsg == "" {
		errMsg = "step finished " + string(resp.Status)
	}
	entry := traceEntry{
		Step:       stepName(step, alias),
		Handler:    step.Handler,
		Status:     stepFailed,
		DurationMs: elapsed.Milliseconds(),
		Error:      errMsg,
	}

	switch e.cfg.EffectiveErrorStrategy(step) {
	case chaintypes.ErrorSkip:
		st.record(entry)
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, "failed")
		e.logger.Warn("step failed, skipping",
			logging.String("step", entry.Step),
			logging.String("error", errMsg))
		return nil
	case chaintypes.ErrorFallback:
		entry.Status = stepFallback
		st.apply(step, alias, step.FallbackValue)
		st.record(entry)
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, "fallback")
		return nil
	default:
		st.record(entry)
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, "aborted")
		return apperrors.Newf(apperrors.ErrCodeChainAborted, "step %s (%s) failed: %s", entry.Step, step.Handler, errMsg)
	}
}

// branchResult is what one parallel branch reports back to the group.
type branchResult struct {
	alias  string
	output interface{}
	ok     bool
	entry  traceEntry
	abort  error
}

// runParallel fans one group's branches out across a bounded pool,
// waits for all of them, and joins the successful outputs.
func (e *Engine) runParallel(ctx context.Context, sub Submitter, req *message.Request, st *state, group *chaintypes.Step, index int) error {
	branches := group.Parallel
	limit := e.cfg.ParallelConcurrency
	if limit <= 0 || limit > len(branches) {
		limit = len(branches)
	}
	timeout := defaultBranchTimeout
	if e.cfg.ParallelBranchTimeoutSeconds > 0 {
		timeout = time.Duration(e.cfg.ParallelBranchTimeoutSeconds * float64(time.Second))
	}

	out := make([]branchResult, len(branches))
	arrivals := make(chan int, len(branches))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	// Branches read the state concurrently but never write it; merges
	// happen below, after the group settles.
	for i := range branches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = e.runBranch(ctx, sub, req, st, &branches[i], i, timeout)
			arrivals <- i
		}(i)
	}
	wg.Wait()
	close(arrivals)

	firstSuccess := -1
	for idx := range arrivals {
		if out[idx].ok && firstSuccess == -1 {
			firstSuccess = idx
		}
		if out[idx].abort != nil {
			for j := range out {
				st.record(out[j].entry)
			}
			e.rt.metrics.RecordChainStep(e.cfg.ChainID, "aborted")
			return out[idx].abort
		}
	}

	for i := range out {
		st.record(out[i].entry)
		e.rt.metrics.RecordChainStep(e.cfg.ChainID, strings.ToLower(out[i].entry.Status))
		if out[i].ok {
			st.steps[out[i].alias] = out[i].output
		}
	}

	var joined interface{}
	switch group.EffectiveJoin() {
	case chaintypes.JoinMergeAll:
		m := map[string]interface{}{}
		for i := range out {
			if out[i].ok {
				m = deepMerge(m, asMap(out[i].output))
			}
		}
		joined = m
	case chaintypes.JoinFirstSuccess:
		if firstSuccess >= 0 {
			joined = out[firstSuccess].output
		} else {
			joined = map[string]interface{}{}
		}
	default:
		m := make(map[string]interface{})
		for i := range out {
			if out[i].ok {
				m[out[i].alias] = out[i].output
			}
		}
		joined = m
	}

	st.apply(group, group.EffectiveAlias(index), joined)
	return nil
}

// runBranch executes one branch of a parallel group under the branch
// timeout. It reports its outcome instead of touching shared state.
func (e *Engine) runBranch(ctx context.Context, sub Submitter, req *message.Request, st *state, branch *chaintypes.Step, order int, timeout time.Duration) branchResult {
	alias := branch.EffectiveAlias(order)
	res := branchResult{alias: alias}

	if w := strings.TrimSpace(branch.When); w != "" && !e.evalWhen(st, w) {
		res.entry = traceEntry{Step: stepName(branch, alias), Handler: branch.Handler, Status: stepSkipped}
		return res
	}

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp := sub.Submit(bctx, e.subRequest(req, st, branch))
	elapsed := time.Since(start)

	if resp.Status == message.StatusSuccess || resp.Status == message.StatusPartial {
		res.ok = true
		res.output = resp.Data
		res.entry = traceEntry{
			Step:       stepName(branch, alias),
			Handler:    branch.Handler,
			Status:     stepCompleted,
			DurationMs: elapsed.Milliseconds(),
		}
		return res
	}

	errMsg := resp.ErrorMessage
	if errMsg == "" {
		errMsg = "branch finished " + string(resp.Status)
	}
	res.entry = traceEntry{
		Step:       stepName(branch, alias),
		Handler:    branch.Handler,
		Status:     stepFailed,
		DurationMs: elapsed.Milliseconds(),
		Error:      errMsg,
	}

	switch e.cfg.EffectiveErrorStrategy(branch) {
	case chaintypes.ErrorSkip:
	case chaintypes.ErrorFallback:
		res.ok = true
		res.output = branch.FallbackValue
		res.entry.Status = stepFallback
	default:
		res.abort = apperrors.Newf(apperrors.ErrCodeChainAborted, "branch %s (%s) failed: %s", alias, branch.Handler, errMsg)
	}
	return res
}

// subRequest builds the dispatcher call for one step. Steps inherit
// the caller's credentials and resolved user so per-type ACLs hold
// inside chains, and carry the chain source channel.
func (e *Engine) subRequest(req *message.Request, st *state, step *chaintypes.Step) *message.Request {
	sub := &message.Request{
		RequestType:    step.Handler,
		APIKey:         req.APIKey,
		ResolvedUserID: req.ResolvedUserID,
		Payload:        st.stepPayload(step),
		SourceChannel:  message.SourceChain,
		ReceivedAt:     time.Now().UTC(),
	}
	sub.EnsureID()
	return sub
}

// stepName labels a trace entry: the declared step name, else the
// alias the output lands under.
func stepName(step *chaintypes.Step, alias string) string {
	if n := strings.TrimSpace(step.Name); n != "" {
		return n
	}
	return alias
}

// decodeConfig turns the opaque handler config block into a chain
// declaration through a JSON round-trip, the same shape chains/*.json
// use.
func decodeConfig(raw map[string]interface{}) (*chaintypes.Config, error) {
	if raw == nil {
		return &chaintypes.Config{}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "chain config not serializable")
	}
	var cfg chaintypes.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "chain config malformed")
	}
	return &cfg, nil
}
