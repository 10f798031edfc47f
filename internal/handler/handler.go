// Package handler defines the capability surface a request handler
// exposes to its worker. The required set is Construct, Execute, Stop,
// Cleanup; streaming delivery, channel publishing, and artifact
// production are optional capabilities discovered by interface
// assertion. Workers call Construct strictly before Execute and
// Cleanup strictly after; Stop may race Execute but nothing else.
package handler

import (
	"context"
	"sync/atomic"

	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Handler is the minimal capability set. Implementations that only
// stream should still implement Execute and return an
// ErrCodeOneShotUnsupported error from it.
type Handler interface {
	// Construct prepares the instance from its declared config.
	// A constructed handler that never executes still gets Cleanup.
	Construct(ctx context.Context, cfg *handlertypes.Config) error

	// Execute runs the request to completion and returns the response.
	// Long loops must poll the context or the cooperative stop flag.
	Execute(ctx context.Context, req *message.Request) (*message.Response, error)

	// Stop requests cooperative cancellation. It must be safe to call
	// concurrently with Execute and must not block.
	Stop()

	// Cleanup releases whatever Construct and Execute acquired. Called
	// exactly once per instance.
	Cleanup(ctx context.Context) error
}

// UpdateSink accepts one streaming update payload. The session
// assigns sequence numbers; handlers just emit payloads in order.
type UpdateSink func(ctx context.Context, data map[string]interface{}) error

// Streamer marks a handler that can deliver incremental updates.
type Streamer interface {
	Handler

	// ExecuteStreaming runs the request, pushing updates through sink
	// as they become available. The returned response is the terminal
	// summary; the session emits the completion marker itself.
	ExecuteStreaming(ctx context.Context, req *message.Request, sink UpdateSink) (*message.Response, error)
}

// ChannelPublisher is the slice of the channel accessor handlers may
// use: publish an envelope to a named output channel.
type ChannelPublisher interface {
	PublishTo(ctx context.Context, channel string, env *brokertypes.Envelope) error
}

// ChannelAware handlers receive the channel accessor before Construct.
type ChannelAware interface {
	SetChannelAccessor(pub ChannelPublisher)
}

// ArtifactStore persists one named artifact for a request and returns
// its URI.
type ArtifactStore interface {
	Put(ctx context.Context, requestID, name string, data []byte) (string, error)
}

// ArtifactAware handlers receive the artifact store before Construct.
type ArtifactAware interface {
	SetArtifactStore(store ArtifactStore)
}

// ArtifactProducer handlers report the URIs they produced; the worker
// collects them into the terminal state.
type ArtifactProducer interface {
	Artifacts() []string
}

// Base carries the cooperative stop flag. Embed it and poll Stopped
// inside long-running work; the worker also cancels the execute
// context, so either signal means wind down.
type Base struct {
	stopped atomic.Bool
}

// Stop sets the flag. Idempotent.
func (b *Base) Stop() { b.stopped.Store(true) }

// Stopped reports whether Stop has been called.
func (b *Base) Stopped() bool { return b.stopped.Load() }

// Cancelled reports whether either cancellation signal fired.
func (b *Base) Cancelled(ctx context.Context) bool {
	return b.stopped.Load() || ctx.Err() != nil
}
