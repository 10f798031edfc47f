// Package cli implements the dgfctl command tree.
//
// Every command except validate talks to a running gateway through
// pkg/client; validate checks a local config tree without a server.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/pkg/client"
	"github.com/dgfacade/gateway/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// RootOptions carries the global flag values shared by every command.
type RootOptions struct {
	ServerAddr   string
	APIKey       string
	EdgeKey      string
	OutputFormat string
	Timeout      time.Duration
	Verbose      bool
}

// CLIContext is built once in the persistent pre-run and handed to
// every RunE through the command context.
type CLIContext struct {
	Logger       logging.Logger
	Client       *client.Client
	OutputFormat string
	Timeout      time.Duration
	Verbose      bool

	clientErr error
}

// APIClient returns the configured gateway client, or the error that
// prevented its construction.
func (c *CLIContext) APIClient() (*client.Client, error) {
	if c.Client != nil {
		return c.Client, nil
	}
	if c.clientErr != nil {
		return nil, c.clientErr
	}
	return nil, errors.New(errors.ErrCodeInternal, "gateway client not initialized")
}

// cliContextKey is the context key under which CLIContext travels.
type cliContextKey struct{}

// NewRootCommand creates the root command with global flags and all
// subcommands registered.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "dgfctl",
		Short: "Operator CLI for the data gateway",
		Long: `dgfctl drives a running gateway over its HTTP API: submit request
envelopes, inspect handlers and worker state, reload configuration,
and list cluster nodes.  The validate command checks a config tree
on disk without contacting a server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return persistentPreRun(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ServerAddr, "server", envOr("DGF_SERVER", "http://localhost:8080"), "Gateway base URL")
	flags.StringVar(&opts.APIKey, "api-key", envOr("DGF_API_KEY", ""), "API key stamped into submitted requests")
	flags.StringVar(&opts.EdgeKey, "edge-key", envOr("DGF_EDGE_KEY", ""), "Edge key for protected admin routes")
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format: text|json")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Per-command timeout")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "Debug logging on stderr")

	rootCmd.AddCommand(
		newSubmitCmd(),
		newHandlersCmd(),
		newStatusCmd(),
		newReloadCmd(),
		newNodesCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// persistentPreRun wires the logger and API client into the command
// context before any RunE fires.
func persistentPreRun(cmd *cobra.Command, opts *RootOptions) error {
	switch strings.ToLower(opts.OutputFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported output format %q (want text or json)", opts.OutputFormat)
	}

	logger, err := initLogger(opts)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}

	cliCtx := &CLIContext{
		Logger:       logger,
		OutputFormat: strings.ToLower(opts.OutputFormat),
		Timeout:      opts.Timeout,
		Verbose:      opts.Verbose,
	}

	apiClient, err := initClient(opts)
	if err != nil {
		// validate and version work without a server, so a bad
		// --server only fails the commands that actually dial it.
		cliCtx.clientErr = err
		logger.Warn("gateway client unavailable, server commands will fail", logging.Err(err))
	} else {
		cliCtx.Client = apiClient
	}

	ctx := contextWithCLI(cmd, cliCtx)
	cmd.SetContext(ctx)
	return nil
}

// initLogger builds a console logger writing to stderr so command
// output on stdout stays machine-readable.
func initLogger(opts *RootOptions) (logging.Logger, error) {
	level := "info"
	if opts.Verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.LogConfig{
		Level:            level,
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
}

// initClient builds the pkg/client connection from the global flags.
func initClient(opts *RootOptions) (*client.Client, error) {
	copts := []client.Option{client.WithTimeout(opts.Timeout)}
	if opts.EdgeKey != "" {
		copts = append(copts, client.WithEdgeKey(opts.EdgeKey))
	}
	return client.NewClient(opts.ServerAddr, opts.APIKey, copts...)
}

// envOr reads an environment variable with a fallback, so flags can
// default from DGF_* without being set on every invocation.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func contextWithCLI(cmd *cobra.Command, cliCtx *CLIContext) context.Context {
	return context.WithValue(cmd.Context(), cliContextKey{}, cliCtx)
}

// GetCLIContext extracts the CLIContext placed by persistentPreRun.
func GetCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, errors.New(errors.ErrCodeInternal, "command context is nil")
	}
	cliCtx, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cliCtx == nil {
		return nil, errors.New(errors.ErrCodeInternal, "CLIContext not found in command context")
	}
	return cliCtx, nil
}

// Execute is the main entry point for the CLI application.
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		PrintError(rootCmd, err)
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dgfctl %s (commit: %s, built: %s)\n", Version, GitCommit, BuildDate)
			return nil
		},
	}
}

// textRenderer lets a result control its plain-text form.  Results
// that do not implement it fall back to a %+v dump.
type textRenderer interface {
	renderText() string
}

// PrintResult writes data to stdout in the format selected by the
// global --output flag.
func PrintResult(cmd *cobra.Command, data interface{}) error {
	format := "text"
	if cliCtx, err := GetCLIContext(cmd); err == nil {
		format = cliCtx.OutputFormat
	}
	if format == "json" {
		return printJSON(cmd, data)
	}
	return printText(cmd, data)
}

func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printText(cmd *cobra.Command, data interface{}) error {
	switch v := data.(type) {
	case textRenderer:
		fmt.Fprint(cmd.OutOrStdout(), v.renderText())
	case string:
		fmt.Fprintln(cmd.OutOrStdout(), v)
	case fmt.Stringer:
		fmt.Fprintln(cmd.OutOrStdout(), v.String())
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", v)
	}
	return nil
}

// PrintError writes a formatted error message to stderr.
func PrintError(cmd *cobra.Command, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
}

// FormatTable renders headers and rows as an aligned ASCII table.
func FormatTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(padRight(h, widths[i]))
	}
	sb.WriteString("\n")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i := range headers {
			if i > 0 {
				sb.WriteString("  ")
			}
			val := ""
			if i < len(row) {
				val = row[i]
			}
			sb.WriteString(padRight(val, widths[i]))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// clip shortens long cell values so tables stay readable.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
