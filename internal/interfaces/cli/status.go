package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/pkg/client"
)

var (
	statusRequestID string
	statusLimit     int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live workers and recently completed requests",
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

			res, err := api.Status(ctx, client.StatusQuery{
				RequestID: statusRequestID,
				Limit:     statusLimit,
			})
			if err != nil {
				return err
			}
			return PrintResult(cmd, statusView{res})
		},
	}

	cmd.Flags().StringVar(&statusRequestID, "request-id", "", "Show only entries for this request")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "History entries to include")

	return cmd
}

type statusView struct {
	*client.StatusResult
}

func (v statusView) renderText() string {
	rows := make([][]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		duration := "-"
		if e.DurationMs != nil {
			duration = strconv.FormatInt(*e.DurationMs, 10)
		}
		rows = append(rows, []string{
			e.RequestID,
			e.RequestType,
			e.HandlerID,
			string(e.Phase),
			duration,
			clip(e.ErrorMessage, 48),
		})
	}
	return FormatTable(
		[]string{"REQUEST_ID", "TYPE", "HANDLER", "PHASE", "DURATION_MS", "ERROR"},
		rows,
	)
}
