package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgfacade/gateway/internal/auth"
	"github.com/dgfacade/gateway/internal/config"
)

var validateProperties string

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-root]",
		Short: "Check a config tree on disk without a server",
		Long: `Validate loads a config tree the same way the gateway does at
startup: handler mappings, broker declarations, channel bindings,
ingesters, chains, and the auth files.  It prints a summary on
success and the first load error otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}

	cmd.Flags().StringVar(&validateProperties, "properties", "", "Properties file for ${key} placeholder resolution")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}

	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	dirs := config.DirsConfig{Root: root, PropertiesFile: validateProperties}
	resolver := config.NewResolver()
	if dirs.PropertiesFile != "" {
		if err := resolver.LoadPropertiesFile(dirs.PropertiesFile); err != nil {
			return fmt.Errorf("properties file: %w", err)
		}
	}

	store := config.NewStore(dirs, resolver, cliCtx.Logger)
	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("config tree %s failed validation: %w", root, err)
	}

	users := auth.NewStore(dirs.UsersFile(), dirs.APIKeysFile(), cliCtx.Logger)
	if err := users.Load(); err != nil {
		return fmt.Errorf("auth files failed validation: %w", err)
	}

	return PrintResult(cmd, validateView{
		Root:           root,
		Handlers:       len(snap.Handlers),
		UserOverrides:  len(snap.UserHandlers),
		Brokers:        len(snap.Brokers),
		InputChannels:  len(snap.InputChannels),
		OutputChannels: len(snap.OutputChannels),
		Ingesters:      len(snap.Ingesters),
		Chains:         len(snap.Chains),
		Users:          users.Users(),
		APIKeys:        users.Keys(),
	})
}

type validateView struct {
	Root           string `json:"root"`
	Handlers       int    `json:"handlers"`
	UserOverrides  int    `json:"user_overrides"`
	Brokers        int    `json:"brokers"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
	Ingesters      int    `json:"ingesters"`
	Chains         int    `json:"chains"`
	Users          int    `json:"users"`
	APIKeys        int    `json:"api_keys"`
}

func (v validateView) renderText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "config tree OK: %s\n", v.Root)
	fmt.Fprintf(&sb, "  handlers:        %d\n", v.Handlers)
	fmt.Fprintf(&sb, "  user overrides:  %d\n", v.UserOverrides)
	fmt.Fprintf(&sb, "  brokers:         %d\n", v.Brokers)
	fmt.Fprintf(&sb, "  input channels:  %d\n", v.InputChannels)
	fmt.Fprintf(&sb, "  output channels: %d\n", v.OutputChannels)
	fmt.Fprintf(&sb, "  ingesters:       %d\n", v.Ingesters)
	fmt.Fprintf(&sb, "  chains:          %d\n", v.Chains)
	fmt.Fprintf(&sb, "  users:           %d\n", v.Users)
	fmt.Fprintf(&sb, "  api keys:        %d\n", v.APIKeys)
	return sb.String()
}
