// Package messaging defines the transport-neutral contracts every
// broker implementation satisfies, plus the building blocks they share:
// bounded queues with watermark backpressure, reconnect supervision,
// batch accumulation, and listener fan-out.
//
// Concrete transports live in subpackages (kafka, rabbitmq, activemq,
// ibmmq, natsmq, redismq, filesys, sqlmq); the manager subpackage
// assembles them from broker declarations.
package messaging

import (
	"context"

	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

var (
	ErrPublisherClosed  = apperrors.New(apperrors.ErrCodeBrokerClosed, "publisher closed")
	ErrSubscriberClosed = apperrors.New(apperrors.ErrCodeBrokerClosed, "subscriber closed")
	ErrAlreadyRunning   = apperrors.New(apperrors.ErrCodeConflict, "subscriber already running")
	ErrNotConnected     = apperrors.New(apperrors.ErrCodeBrokerConnect, "broker not connected")
	ErrQueueFull        = apperrors.New(apperrors.ErrCodeBrokerBackpressure, "queue at critical watermark")
)

// DeliveryFunc consumes one inbound envelope.  A non-nil error tells
// the transport the message was not handled; redelivery behavior is
// transport specific.
type DeliveryFunc func(ctx context.Context, env *brokertypes.Envelope) error

// BatchResult reports the per-message outcome of a batch publish.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []BatchItemError
}

// BatchItemError pins a failure to its position in the batch.  Index
// -1 means the whole batch failed before individual dispatch.
type BatchItemError struct {
	Index int
	Topic string
	Err   error
}

// Publisher is the outbound side of one broker connection.  Implementations
// are safe for concurrent use after Initialize returns.
type Publisher interface {
	// Initialize opens the underlying connection.  Idempotent.
	Initialize(ctx context.Context) error

	// Publish delivers one envelope to env.Topic.
	Publish(ctx context.Context, env *brokertypes.Envelope) error

	// PublishBatch delivers many envelopes, reporting per-item results.
	PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*BatchResult, error)

	// Flush forces any buffered messages out.  No-op for unbuffered
	// transports.
	Flush(ctx context.Context) error

	// Connected reports whether the transport link is currently up.
	Connected() bool

	// Stats returns a point-in-time counter snapshot.
	Stats() Stats

	Close() error
}

// Subscriber is the inbound side of one broker connection.  Topics are
// registered before Start; the transport invokes the DeliveryFunc from
// its own receive goroutines.
type Subscriber interface {
	Initialize(ctx context.Context) error

	// Subscribe registers fn for one topic.  Replaces any previous
	// registration for the same topic.
	Subscribe(topic string, fn DeliveryFunc) error

	// Unsubscribe removes the registration for topic.
	Unsubscribe(topic string) error

	// Start launches the receive loop.  Returns ErrAlreadyRunning on a
	// second call.
	Start(ctx context.Context) error

	Connected() bool
	Stats() Stats
	Close() error
}
