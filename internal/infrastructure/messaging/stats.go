package messaging

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of one transport's counters.
type Stats struct {
	Published      int64     `json:"published"`
	PublishErrors  int64     `json:"publish_errors"`
	Consumed       int64     `json:"consumed"`
	ConsumeErrors  int64     `json:"consume_errors"`
	Reconnects     int64     `json:"reconnects"`
	QueueDepth     int       `json:"queue_depth"`
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
}

// Counters aggregates transport activity with atomic fields.  Embed
// one per publisher or subscriber and expose snapshots via Snapshot.
type Counters struct {
	published     atomic.Int64
	publishErrors atomic.Int64
	consumed      atomic.Int64
	consumeErrors atomic.Int64
	reconnects    atomic.Int64

	connected      atomic.Bool
	connectedSince atomic.Value // time.Time
	lastError      atomic.Value // string
	lastErrorAt    atomic.Value // time.Time
}

func (c *Counters) Published() { c.published.Add(1) }
func (c *Counters) Consumed() { c.consumed.Add(1) }
func (c *Counters) Reconnect() { c.reconnects.Add(1) }

// PublishedN records a successful batch of n messages.
func (c *Counters) PublishedN(n int) { c.published.Add(int64(n)) }

// PublishError records a failed publish attempt.
func (c *Counters) PublishError(err error) {
	c.publishErrors.Add(1)
	c.noteError(err)
}

// PublishErrorsN records n failed publishes sharing one cause.
func (c *Counters) PublishErrorsN(n int, err error) {
	c.publishErrors.Add(int64(n))
	c.noteError(err)
}

// ConsumeError records a failed receive or delivery.
func (c *Counters) ConsumeError(err error) {
	c.consumeErrors.Add(1)
	c.noteError(err)
}

func (c *Counters) noteError(err error) {
	if err == nil {
		return
	}
	c.lastError.Store(err.Error())
	c.lastErrorAt.Store(time.Now())
}

// SetConnected flips the link state, stamping ConnectedSince on the
// down-to-up transition.
func (c *Counters) SetConnected(up bool) {
	was := c.connected.Swap(up)
	if up && !was {
		c.connectedSince.Store(time.Now())
	}
}

// IsConnected reports the current link state.
func (c *Counters) IsConnected() bool { return c.connected.Load() }

// Snapshot copies the counters into a Stats value.  queueDepth is
// supplied by the caller because not every transport carries a queue.
func (c *Counters) Snapshot(queueDepth int) Stats {
	s := Stats{
		Published:     c.published.Load(),
		PublishErrors: c.publishErrors.Load(),
		Consumed:      c.consumed.Load(),
		ConsumeErrors: c.consumeErrors.Load(),
		Reconnects:    c.reconnects.Load(),
		QueueDepth:    queueDepth,
		Connected:     c.connected.Load(),
	}
	if v, ok := c.connectedSince.Load().(time.Time); ok {
		s.ConnectedSince = v
	}
	if v, ok := c.lastError.Load().(string); ok {
		s.LastError = v
	}
	if v, ok := c.lastErrorAt.Load().(time.Time); ok {
		s.LastErrorAt = v
	}
	return s
}
