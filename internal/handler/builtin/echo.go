package builtin

import (
	"context"

	"github.com/dgfacade/gateway/internal/handler"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Echo returns the request payload unchanged. The round-trip check
// every deployment starts with.
type Echo struct {
	handler.Base
}

func NewEcho() *Echo { return &Echo{} }

func (h *Echo) Construct(_ context.Context, _ *handlertypes.Config) error { return nil }

func (h *Echo) Execute(_ context.Context, req *message.Request) (*message.Response, error) {
	data := make(map[string]interface{}, len(req.Payload))
	for k, v := range req.Payload {
		data[k] = v
	}
	return message.NewSuccess(req.RequestID, data), nil
}

func (h *Echo) Cleanup(_ context.Context) error { return nil }
