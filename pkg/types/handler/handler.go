// Package handler defines the configuration and runtime state records
// for request handlers. HandlerConfig is read-only once published to
// the registry; HandlerState is mutated only by its owning worker.
package handler

import (
	"fmt"
	"strings"
	"time"
)

// Phase is a worker's position in its lifecycle state machine.
type Phase string

const (
	PhaseQueued       Phase = "QUEUED"
	PhaseConstructing Phase = "CONSTRUCTING"
	PhaseExecuting    Phase = "EXECUTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
	PhaseTimedOut     Phase = "TIMED_OUT"
	PhaseStopped      Phase = "STOPPED"
)

// Terminal reports whether the phase ends the worker's trajectory.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimedOut, PhaseStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits moving from
// p to next. Terminal phases accept no further transitions.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	switch p {
	case PhaseQueued:
		return next == PhaseConstructing || next == PhaseTimedOut || next == PhaseStopped
	case PhaseConstructing:
		return next == PhaseExecuting || next == PhaseFailed || next == PhaseTimedOut || next == PhaseStopped
	case PhaseExecuting:
		return next.Terminal()
	default:
		return false
	}
}

// Config declares one handler binding: which request type it serves,
// which implementation, and its defaults. Loaded from handlers/*.json.
type Config struct {
	RequestType       string                 `json:"request_type" mapstructure:"request_type"`
	HandlerIdentifier string                 `json:"handler_identifier" mapstructure:"handler_identifier"`
	TTLMinutes        float64                `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	Enabled           bool                   `json:"enabled" mapstructure:"enabled"`
	Config            map[string]interface{} `json:"config,omitempty" mapstructure:"config"`
}

// Validate checks the fields the registry refuses to load without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RequestType) == "" {
		return fmt.Errorf("handler config: request_type must not be blank")
	}
	if strings.TrimSpace(c.HandlerIdentifier) == "" {
		return fmt.Errorf("handler config %q: handler_identifier must not be blank", c.RequestType)
	}
	if c.TTLMinutes < 0 {
		return fmt.Errorf("handler config %q: ttl_minutes must not be negative", c.RequestType)
	}
	return nil
}

// DefaultTTL returns the configured TTL as a duration, or fallback
// when the config does not set one.
func (c *Config) DefaultTTL(fallback time.Duration) time.Duration {
	if c.TTLMinutes <= 0 {
		return fallback
	}
	return time.Duration(c.TTLMinutes * float64(time.Minute))
}

// ConfigString reads a string option from the opaque config mapping.
func (c *Config) ConfigString(key, fallback string) string {
	if c.Config == nil {
		return fallback
	}
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return fallback
}

// ConfigFloat reads a numeric option from the opaque config mapping.
// JSON numbers decode as float64; integers are accepted too.
func (c *Config) ConfigFloat(key string, fallback float64) float64 {
	if c.Config == nil {
		return fallback
	}
	switch v := c.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// ConfigBool reads a boolean option from the opaque config mapping.
func (c *Config) ConfigBool(key string, fallback bool) bool {
	if c.Config == nil {
		return fallback
	}
	if v, ok := c.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// State is the per-execution record a worker maintains and the history
// ring retains. Only the owning worker writes it while live.
type State struct {
	HandlerID      string                 `json:"handler_id"`
	RequestID      string                 `json:"request_id"`
	RequestType    string                 `json:"request_type"`
	Phase          Phase                  `json:"phase"`
	QueuedAt       time.Time              `json:"queued_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DurationMs     *int64                 `json:"duration_ms,omitempty"`
	Success        bool                   `json:"success"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Artifacts      []string               `json:"artifacts,omitempty"`
	RequestPayload map[string]interface{} `json:"request_payload,omitempty"`
	ResponseData   map[string]interface{} `json:"response_data,omitempty"`
}

// NewState builds the initial QUEUED record for a dispatched request.
func NewState(handlerID, requestID, requestType string, payload map[string]interface{}) *State {
	return &State{
		HandlerID:      handlerID,
		RequestID:      requestID,
		RequestType:    requestType,
		Phase:          PhaseQueued,
		QueuedAt:       time.Now().UTC(),
		RequestPayload: payload,
	}
}

// MarkStarted records the transition into EXECUTING.
func (s *State) MarkStarted() {
	now := time.Now().UTC()
	s.StartedAt = &now
	s.Phase = PhaseExecuting
}

// MarkTerminal records a terminal phase with its outcome. Duration is
// measured from StartedAt when execution began, else from QueuedAt, so
// every terminal record carries one.
func (s *State) MarkTerminal(phase Phase, errMsg string) {
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.Phase = phase
	s.Success = phase == PhaseCompleted
	s.ErrorMessage = errMsg

	from := s.QueuedAt
	if s.StartedAt != nil {
		from = *s.StartedAt
	}
	ms := now.Sub(from).Milliseconds()
	s.DurationMs = &ms
}

// Snapshot returns a copy safe to publish outside the owning worker.
func (s *State) Snapshot() State {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.DurationMs != nil {
		d := *s.DurationMs
		cp.DurationMs = &d
	}
	if s.Artifacts != nil {
		cp.Artifacts = append([]string(nil), s.Artifacts...)
	}
	return cp
}
