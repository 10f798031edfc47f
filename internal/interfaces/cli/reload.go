package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the gateway's config tree and auth files",
		Long: `Reload asks the gateway to re-read its handler, broker, channel,
ingester, chain, and auth configuration.  The route is protected by
the edge key when the server has one configured; pass it with
--edge-key or DGF_EDGE_KEY.`,
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

			summary, err := api.Reload(ctx)
			if err != nil {
				return err
			}
			return PrintResult(cmd, reloadView(summary))
		},
	}
}

type reloadView map[string]interface{}

func (v reloadView) renderText() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k == "status" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("reloaded\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s: %v\n", k, v[k])
	}
	return sb.String()
}
