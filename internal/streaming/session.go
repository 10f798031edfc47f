// Package streaming tracks live streaming sessions and fans their
// updates out to response channels. A session is created when a
// streaming handler is admitted, carries the effective TTL and channel
// set derived at admission, and is torn down on handler completion,
// explicit stop, or TTL expiry. Updates flow through one pump
// goroutine per session, so delivery order per channel follows
// sequence order.
package streaming

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live streaming execution and its publish wiring.
// The exported fields are fixed at admission.
type Session struct {
	ID            string
	RequestID     string
	HandlerType   string
	Channels      []string
	ResponseTopic string
	TTL           time.Duration
	CreatedAt     time.Time
	APIKey        string

	// WorkerID binds the session to its driving worker once spawned.
	WorkerID string

	// mu serializes sequence assignment with enqueueing so queue
	// order always matches sequence order.
	mu        sync.Mutex
	seq       atomic.Int64
	completed atomic.Bool
}

// NextSeq hands out the next sequence number, monotonic from 1.
func (s *Session) NextSeq() int64 { return s.seq.Add(1) }

// Seq returns the highest sequence number handed out so far.
func (s *Session) Seq() int64 { return s.seq.Load() }

// Completed reports whether the terminal update has been claimed.
func (s *Session) Completed() bool { return s.completed.Load() }

// Expired reports whether the session outlived its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) >= s.TTL
}

// Info is the read-only session projection served over the API.
type Info struct {
	SessionID     string    `json:"session_id"`
	RequestID     string    `json:"request_id"`
	HandlerType   string    `json:"handler_type"`
	Channels      []string  `json:"channels"`
	ResponseTopic string    `json:"response_topic,omitempty"`
	TTLMinutes    float64   `json:"ttl_minutes"`
	CreatedAt     time.Time `json:"created_at"`
	Sequence      int64     `json:"sequence"`
	WorkerID      string    `json:"worker_id,omitempty"`
}

// Snapshot projects the session for API consumers.
func (s *Session) Snapshot() Info {
	channels := make([]string, len(s.Channels))
	copy(channels, s.Channels)
	return Info{
		SessionID:     s.ID,
		RequestID:     s.RequestID,
		HandlerType:   s.HandlerType,
		Channels:      channels,
		ResponseTopic: s.ResponseTopic,
		TTLMinutes:    s.TTL.Minutes(),
		CreatedAt:     s.CreatedAt,
		Sequence:      s.Seq(),
		WorkerID:      s.WorkerID,
	}
}
