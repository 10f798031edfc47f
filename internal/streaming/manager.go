package streaming

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/handler"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// fallbackTTL applies when neither the request, the handler config,
// nor the system bounds set one.
const fallbackTTL = 15 * time.Minute

// drainBudget bounds how long Complete waits for a session's pump to
// deliver its tail.
const drainBudget = 10 * time.Second

// SessionManager admits streaming sessions, derives their effective
// TTL and channel set, and tears them down exactly once.
//
// Session TTL enforcement rides the worker's timer: the dispatcher
// spawns the driving worker with the session's TTL, so expiry, stop,
// and completion all arrive here through the same terminal callback.
type SessionManager struct {
	cfg     config.StreamingConfig
	pub     *ResponsePublisher
	logger  logging.Logger
	metrics *prometheus.GatewayMetrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewSessionManager builds the manager over pub.
func NewSessionManager(cfg config.StreamingConfig, pub *ResponsePublisher, logger logging.Logger, metrics *prometheus.GatewayMetrics) *SessionManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionManager{
		cfg:      cfg,
		pub:      pub,
		logger:   logger.Named("streaming"),
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Open admits a session for req. Rejections: streaming disabled
// (STR_001) and the concurrent-session cap (STR_002).
func (m *SessionManager) Open(req *message.Request, hcfg *handlertypes.Config) (*Session, error) {
	if !m.cfg.Enabled {
		return nil, apperrors.New(apperrors.ErrCodeStreamingDisabled, "streaming is disabled")
	}

	s := &Session{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		HandlerType:   req.RequestType,
		Channels:      m.effectiveChannels(req, hcfg),
		ResponseTopic: req.ResponseTopic,
		TTL:           m.effectiveTTL(req, hcfg),
		CreatedAt:     time.Now().UTC(),
		APIKey:        req.APIKey,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "session manager is shut down")
	}
	if m.cfg.MaxConcurrentSessions > 0 && len(m.sessions) >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ErrCodeSessionLimit,
			"session limit of %d reached", m.cfg.MaxConcurrentSessions)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.pub.Attach(s)
	if m.metrics != nil {
		m.metrics.StreamingSessions.WithLabelValues(s.HandlerType).Inc()
	}
	m.logger.Info("streaming session opened",
		logging.String("session_id", s.ID),
		logging.RequestID(s.RequestID),
		logging.RequestType(s.HandlerType),
		logging.String("channels", strings.Join(s.Channels, ",")),
		logging.Duration("ttl", s.TTL))
	return s, nil
}

// Sink builds the worker-facing update callback. Each call assigns the
// next sequence number and enqueues a STREAMING_UPDATE; calls after
// completion are refused with STR_004.
func (m *SessionManager) Sink(s *Session) handler.UpdateSink {
	return func(_ context.Context, data map[string]interface{}) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.completed.Load() {
			return apperrors.Newf(apperrors.ErrCodeSessionClosed, "session %q already completed", s.ID)
		}
		resp := message.NewStreamingUpdate(s.RequestID, s.NextSeq(), data)
		return m.pub.Publish(s, resp)
	}
}

// Complete emits STREAMING_COMPLETE exactly once, drains the pump, and
// forgets the session. Repeat calls are no-ops.
func (m *SessionManager) Complete(s *Session, data map[string]interface{}, errMsg string) {
	s.mu.Lock()
	if s.completed.Swap(true) {
		s.mu.Unlock()
		return
	}
	final := message.NewStreamingComplete(s.RequestID, s.NextSeq(), data)
	if errMsg != "" {
		final.ErrorMessage = errMsg
	}
	err := m.pub.Publish(s, final)
	s.mu.Unlock()
	if err != nil {
		m.logger.Warn("terminal streaming update undeliverable",
			logging.String("session_id", s.ID), logging.Err(err))
	}

	m.pub.Detach(s, drainBudget)

	m.mu.Lock()
	_, tracked := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if tracked && m.metrics != nil {
		m.metrics.StreamingSessions.WithLabelValues(s.HandlerType).Dec()
	}
	m.logger.Info("streaming session closed",
		logging.String("session_id", s.ID),
		logging.Int64("updates", s.Seq()-1))
}

// Get returns a live session by id.
func (m *SessionManager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Active lists live sessions, oldest first.
func (m *SessionManager) Active() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count reports the live session count.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown refuses new sessions and completes any stragglers. The
// dispatcher drains workers first, so stragglers here mean a worker
// that never delivered its terminal.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	remaining := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		remaining = append(remaining, s)
	}
	m.mu.Unlock()

	for _, s := range remaining {
		m.Complete(s, nil, "gateway shutting down")
	}
}

// effectiveTTL is the minimum of the request TTL, the handler default,
// and the system ceiling; unset components do not participate.
func (m *SessionManager) effectiveTTL(req *message.Request, hcfg *handlertypes.Config) time.Duration {
	var candidates []time.Duration
	if ttl, ok := req.TTL(); ok {
		candidates = append(candidates, ttl)
	}
	if hcfg != nil && hcfg.TTLMinutes > 0 {
		candidates = append(candidates, time.Duration(hcfg.TTLMinutes*float64(time.Minute)))
	}
	if m.cfg.MaxTTLMinutes > 0 {
		candidates = append(candidates, time.Duration(m.cfg.MaxTTLMinutes*float64(time.Minute)))
	}
	if len(candidates) == 0 {
		if m.cfg.DefaultTTLMinutes > 0 {
			return time.Duration(m.cfg.DefaultTTLMinutes * float64(time.Minute))
		}
		return fallbackTTL
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

// effectiveChannels is the request's set, else the handler's
// default_response_channels, else the system default. Channels are
// uppercased and deduplicated, order preserved.
func (m *SessionManager) effectiveChannels(req *message.Request, hcfg *handlertypes.Config) []string {
	raw := req.ResponseChannels
	if len(raw) == 0 && hcfg != nil {
		raw = configChannels(hcfg)
	}
	if len(raw) == 0 {
		raw = m.cfg.DefaultChannels
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, ch := range raw {
		ch = strings.ToUpper(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// configChannels reads default_response_channels from the opaque
// handler config, where JSON delivers it as []interface{}.
func configChannels(hcfg *handlertypes.Config) []string {
	if hcfg.Config == nil {
		return nil
	}
	switch v := hcfg.Config["default_response_channels"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
