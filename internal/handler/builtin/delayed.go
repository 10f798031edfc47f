package builtin

import (
	"context"
	"time"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Delayed sleeps payload.delay_ms then succeeds. Exists to exercise
// TTL expiry and cooperative stop under a running Execute.
type Delayed struct {
	handler.Base

	defaultDelay time.Duration
}

func NewDelayed() *Delayed { return &Delayed{} }

func (h *Delayed) Construct(_ context.Context, cfg *handlertypes.Config) error {
	h.defaultDelay = time.Duration(cfg.ConfigFloat("default_delay_ms", 1000)) * time.Millisecond
	return nil
}

func (h *Delayed) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	delay := h.defaultDelay
	if ms, ok := numeric(req.Payload["delay_ms"]); ok {
		delay = time.Duration(ms) * time.Millisecond
	}

	// Sleep in slices so both cancellation signals get noticed fast.
	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		if h.Cancelled(ctx) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, apperrors.New(apperrors.ErrCodeHandlerStopped, "stopped while sleeping")
		}
		remaining := time.Until(deadline)
		slice := 10 * time.Millisecond
		if remaining < slice {
			slice = remaining
		}
		time.Sleep(slice)
	}

	return message.NewSuccess(req.RequestID, map[string]interface{}{
		"slept_ms": delay.Milliseconds(),
	}), nil
}

func (h *Delayed) Cleanup(_ context.Context) error { return nil }
