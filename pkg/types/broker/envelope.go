package broker

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the transport-neutral unit every publisher sends and
// every subscriber delivers.
type Envelope struct {
	Topic        string            `json:"topic"`
	Key          string            `json:"key,omitempty"`
	Value        []byte            `json:"value"`
	Headers      map[string]string `json:"headers,omitempty"`
	MessageID    string            `json:"message_id"`
	SourceBroker string            `json:"source_broker,omitempty"`
	ReceivedAt   time.Time         `json:"received_at,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(topic string, value []byte) *Envelope {
	return &Envelope{
		Topic:     topic,
		Value:     value,
		MessageID: uuid.NewString(),
	}
}

// WithKey sets the partitioning key.
func (e *Envelope) WithKey(key string) *Envelope {
	e.Key = key
	return e
}

// WithHeader adds one header, allocating the map on first use.
func (e *Envelope) WithHeader(k, v string) *Envelope {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 4)
	}
	e.Headers[k] = v
	return e
}

// Stamp marks the envelope as received from the named broker now.
// Subscribers call this before handing the envelope downstream.
func (e *Envelope) Stamp(sourceBroker string) *Envelope {
	e.SourceBroker = sourceBroker
	e.ReceivedAt = time.Now().UTC()
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	return e
}

// ValueString returns the payload as text.
func (e *Envelope) ValueString() string {
	return string(e.Value)
}
