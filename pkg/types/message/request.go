package message

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	errNilRequest       = errors.New("request is nil")
	errBlankRequestType = errors.New("request_type must not be blank")
	errBlankAPIKey      = errors.New("api_key must not be blank")
)

// SourceChannel identifies the ingestion path a request arrived through.
type SourceChannel string

const (
	SourceREST           SourceChannel = "REST"
	SourceWebSocket      SourceChannel = "WEBSOCKET"
	SourceKafka          SourceChannel = "KAFKA"
	SourceConfluentKafka SourceChannel = "CONFLUENT_KAFKA"
	SourceActiveMQ       SourceChannel = "ACTIVEMQ"
	SourceRabbitMQ       SourceChannel = "RABBITMQ"
	SourceIBMMQ          SourceChannel = "IBMMQ"
	SourceFilesystem     SourceChannel = "FILESYSTEM"
	SourceSQL            SourceChannel = "SQL"
	SourceNATS           SourceChannel = "NATS"
	SourceRedis          SourceChannel = "REDIS"

	// SourceChain marks sub-requests spawned by the chain engine.
	SourceChain SourceChannel = "chain"
)

// Request is the canonical inbound message. Every ingestion channel
// normalizes into this shape before dispatch. A request is immutable
// after ingestion; ResolvedUserID and ReceivedAt are enrichments set
// exactly once on the way in.
type Request struct {
	RequestID           string                 `json:"request_id"`
	RequestType         string                 `json:"request_type"`
	APIKey              string                 `json:"api_key"`
	Payload             map[string]interface{} `json:"payload,omitempty"`
	DeliveryDestination string                 `json:"delivery_destination,omitempty"`
	TTLMinutes          *float64               `json:"ttl_minutes,omitempty"`
	ResponseChannels    []string               `json:"response_channels,omitempty"`
	ResponseTopic       string                 `json:"response_topic,omitempty"`
	IsStreaming         bool                   `json:"is_streaming,omitempty"`
	SourceChannel       SourceChannel          `json:"source_channel,omitempty"`
	ReceivedAt          time.Time              `json:"received_at,omitempty"`
	ResolvedUserID      string                 `json:"resolved_user_id,omitempty"`
}

// NewRequest builds a request with a fresh identifier.
func NewRequest(requestType, apiKey string, payload map[string]interface{}) *Request {
	return &Request{
		RequestID:   uuid.NewString(),
		RequestType: requestType,
		APIKey:      apiKey,
		Payload:     payload,
	}
}

// EnsureID assigns a fresh request_id when none was supplied.
func (r *Request) EnsureID() {
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.NewString()
	}
}

// Validate checks the minimal shape every channel must enforce before
// the request enters the dispatcher.
func (r *Request) Validate() error {
	if r == nil {
		return errNilRequest
	}
	if strings.TrimSpace(r.RequestType) == "" {
		return errBlankRequestType
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return errBlankAPIKey
	}
	return nil
}

// TTL reports the requested time-to-live and whether one was supplied.
// An explicit zero is a valid value and means "expire immediately".
func (r *Request) TTL() (time.Duration, bool) {
	if r.TTLMinutes == nil {
		return 0, false
	}
	return time.Duration(*r.TTLMinutes * float64(time.Minute)), true
}

// WantsStreaming reports whether the caller asked for streaming
// delivery, either explicitly or by naming response channels.
func (r *Request) WantsStreaming() bool {
	return r.IsStreaming || len(r.ResponseChannels) > 0
}

// Clone returns a copy with its own payload and channel-list storage.
// The chain engine uses this to hand each step an isolated view.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	if r.ResponseChannels != nil {
		cp.ResponseChannels = append([]string(nil), r.ResponseChannels...)
	}
	if r.TTLMinutes != nil {
		ttl := *r.TTLMinutes
		cp.TTLMinutes = &ttl
	}
	return &cp
}
