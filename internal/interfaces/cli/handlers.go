package cli

import (
	"context"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/pkg/client"
)

func newHandlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the request types the gateway serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			api, err := cliCtx.APIClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
			defer cancel()

			res, err := api.Handlers(ctx)
			if err != nil {
				return err
			}
			return PrintResult(cmd, handlersView{res})
		},
	}
}

type handlersView struct {
	*client.HandlersResult
}

func (v handlersView) renderText() string {
	handlers := append([]client.HandlerInfo(nil), v.Handlers...)
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].RequestType < handlers[j].RequestType
	})

	rows := make([][]string, 0, len(handlers))
	for _, h := range handlers {
		rows = append(rows, []string{
			h.RequestType,
			h.HandlerIdentifier,
			strconv.FormatFloat(h.TTLMinutes, 'f', -1, 64),
			strconv.FormatBool(h.Enabled),
			strconv.FormatBool(h.Streaming),
			strconv.FormatBool(h.Registered),
		})
	}
	return FormatTable(
		[]string{"TYPE", "HANDLER", "TTL_MIN", "ENABLED", "STREAMING", "REGISTERED"},
		rows,
	)
}
