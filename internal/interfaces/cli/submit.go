package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/pkg/types/message"
)

var (
	submitType        string
	submitPayload     string
	submitPayloadFile string
	submitStream      bool
	submitTTL         float64
	submitChannels    string
	submitTopic       string
	submitDestination string
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request envelope and print the response",
		Long: `Submit posts a request envelope to the gateway and prints the
response envelope.  One-shot requests block until the handler
finishes or its TTL expires; streaming requests return the session
acknowledgement immediately.`,
		Example: `  dgfctl submit --type echo --payload '{"text":"hi"}'
  dgfctl submit --type export --payload-file req.json --ttl 10
  cat payload.json | dgfctl submit --type report --payload-file - --stream`,
		RunE: runSubmit,
	}

	cmd.Flags().StringVar(&submitType, "type", "", "Request type (required)")
	cmd.Flags().StringVar(&submitPayload, "payload", "", "Inline JSON payload")
	cmd.Flags().StringVar(&submitPayloadFile, "payload-file", "", "Payload JSON file, '-' reads stdin")
	cmd.Flags().BoolVar(&submitStream, "stream", false, "Request a streaming session")
	cmd.Flags().Float64Var(&submitTTL, "ttl", 0, "Execution TTL in minutes (0 uses the handler default)")
	cmd.Flags().StringVar(&submitChannels, "channels", "", "Response channels, comma separated")
	cmd.Flags().StringVar(&submitTopic, "topic", "", "Response topic override")
	cmd.Flags().StringVar(&submitDestination, "destination", "", "Delivery destination hint")
	cmd.MarkFlagRequired("type")

	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	api, err := cliCtx.APIClient()
	if err != nil {
		return err
	}

	payload, err := loadPayload(cmd)
	if err != nil {
		return err
	}

	req := message.NewRequest(submitType, "", payload)
	req.IsStreaming = submitStream
	req.ResponseTopic = submitTopic
	req.DeliveryDestination = submitDestination
	if cmd.Flags().Changed("ttl") {
		ttl := submitTTL
		req.TTLMinutes = &ttl
	}
	for _, ch := range strings.Split(submitChannels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			req.ResponseChannels = append(req.ResponseChannels, ch)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	resp, err := api.Submit(ctx, req)
	if err != nil {
		return err
	}
	return PrintResult(cmd, submitView{resp})
}

// loadPayload resolves the request payload from --payload or
// --payload-file; both unset means an empty payload.
func loadPayload(cmd *cobra.Command) (map[string]interface{}, error) {
	if submitPayload != "" && submitPayloadFile != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive, provide only one")
	}

	var raw []byte
	switch {
	case submitPayload != "":
		raw = []byte(submitPayload)
	case submitPayloadFile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		raw = data
	case submitPayloadFile != "":
		data, err := os.ReadFile(submitPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		raw = data
	default:
		return map[string]interface{}{}, nil
	}

	payload := map[string]interface{}{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}

type submitView struct {
	*message.Response
}

func (v submitView) renderText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "request_id: %s\n", v.RequestID)
	fmt.Fprintf(&sb, "status:     %s\n", v.Status)
	if v.HandlerID != "" {
		fmt.Fprintf(&sb, "handler:    %s\n", v.HandlerID)
	}
	if v.ExecutionTimeMs > 0 {
		fmt.Fprintf(&sb, "time_ms:    %d\n", v.ExecutionTimeMs)
	}
	if v.ErrorMessage != "" {
		fmt.Fprintf(&sb, "error:      %s\n", v.ErrorMessage)
	}
	if len(v.Data) > 0 {
		data, err := json.MarshalIndent(v.Data, "", "  ")
		if err == nil {
			fmt.Fprintf(&sb, "data:\n%s\n", data)
		}
	}
	return sb.String()
}
