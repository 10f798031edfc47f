package builtin

import (
	"context"
	"time"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// TimeFeed streams one timestamped tick per interval. Streaming only;
// a one-shot dispatch of this type is a caller mistake.
type TimeFeed struct {
	handler.Base

	interval time.Duration
	ticks    int
}

func NewTimeFeed() *TimeFeed { return &TimeFeed{} }

func (h *TimeFeed) Construct(_ context.Context, cfg *handlertypes.Config) error {
	h.interval = time.Duration(cfg.ConfigFloat("interval_ms", 500)) * time.Millisecond
	h.ticks = int(cfg.ConfigFloat("default_ticks", 5))
	return nil
}

func (h *TimeFeed) Execute(_ context.Context, _ *message.Request) (*message.Response, error) {
	return nil, apperrors.New(apperrors.ErrCodeOneShotUnsupported,
		"timefeed only streams, submit with is_streaming or response_channels")
}

func (h *TimeFeed) ExecuteStreaming(ctx context.Context, req *message.Request, sink handler.UpdateSink) (*message.Response, error) {
	ticks := h.ticks
	if n, ok := numeric(req.Payload["ticks"]); ok && n > 0 {
		ticks = int(n)
	}

	emitted := 0
	for i := 1; i <= ticks; i++ {
		if h.Cancelled(ctx) {
			break
		}
		update := map[string]interface{}{
			"tick": i,
			"of":   ticks,
			"time": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := sink(ctx, update); err != nil {
			return nil, err
		}
		emitted++
		if i < ticks {
			select {
			case <-ctx.Done():
				return message.NewSuccess(req.RequestID, map[string]interface{}{"ticks": emitted}), nil
			case <-time.After(h.interval):
			}
		}
	}

	return message.NewSuccess(req.RequestID, map[string]interface{}{"ticks": emitted}), nil
}

func (h *TimeFeed) Cleanup(_ context.Context) error { return nil }
