package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dgfacade/gateway/internal/handler"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Publish pushes payload.data onto an output channel through the
// channel accessor. The channel comes from payload.channel, falling
// back to the handler config's "channel" entry.
type Publish struct {
	handler.Base

	pub            handler.ChannelPublisher
	defaultChannel string
}

func NewPublish() *Publish { return &Publish{} }

func (h *Publish) SetChannelAccessor(pub handler.ChannelPublisher) { h.pub = pub }

func (h *Publish) Construct(_ context.Context, cfg *handlertypes.Config) error {
	if h.pub == nil {
		return apperrors.New(apperrors.ErrCodeValidation, "publish handler needs a channel accessor")
	}
	h.defaultChannel = cfg.ConfigString("channel", "")
	return nil
}

func (h *Publish) Execute(ctx context.Context, req *message.Request) (*message.Response, error) {
	channel, _ := req.Payload["channel"].(string)
	if strings.TrimSpace(channel) == "" {
		channel = h.defaultChannel
	}
	if strings.TrimSpace(channel) == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "no output channel named in payload or config")
	}

	body := req.Payload["data"]
	if body == nil {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "payload.data is required")
	}
	value, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encoding payload.data")
	}

	env := brokertypes.NewEnvelope("", value).
		WithHeader("x-dgf-request-id", req.RequestID).
		WithHeader("x-dgf-request-type", req.RequestType)
	if key, ok := req.Payload["key"].(string); ok && key != "" {
		env.WithKey(key)
	}

	if err := h.pub.PublishTo(ctx, channel, env); err != nil {
		return nil, err
	}
	return message.NewSuccess(req.RequestID, map[string]interface{}{
		"published":  true,
		"channel":    channel,
		"message_id": env.MessageID,
	}), nil
}

func (h *Publish) Cleanup(_ context.Context) error { return nil }
