package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/pkg/client"
	clustertypes "github.com/dgfacade/gateway/pkg/types/cluster"
)

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the cluster nodes the gateway knows about",
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

			res, err := api.Nodes(ctx)
			if err != nil {
				return err
			}
			return PrintResult(cmd, nodesView{res})
		},
	}
}

type nodesView struct {
	*client.NodesResult
}

func (v nodesView) renderText() string {
	sorted := append([]*clustertypes.Node(nil), v.Nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NodeID < sorted[j].NodeID
	})

	rows := make([][]string, 0, len(sorted))
	for _, n := range sorted {
		rows = append(rows, []string{
			n.NodeID,
			fmt.Sprintf("%s:%d", n.Host, n.Port),
			string(n.Role),
			string(n.Status),
			strconv.FormatInt(n.ActiveHandlers, 10),
			strconv.FormatInt(n.TotalRequestsProcessed, 10),
			heartbeatAge(n.LastHeartbeat),
		})
	}
	return FormatTable(
		[]string{"NODE", "ADDRESS", "ROLE", "STATUS", "WORKERS", "PROCESSED", "LAST_SEEN"},
		rows,
	)
}

// heartbeatAge renders when the node last checked in, relative to now.
func heartbeatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	if age < 0 {
		age = 0
	}
	return age.Truncate(time.Second).String() + " ago"
}
