package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/upll/pkg/engine"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "upll",
		Short: "upll - virtual network configuration engine",
		Long: `upll keeps the candidate, running and startup configuration of virtual
tenant networks and commits candidate changes to the SDN controllers that
carry them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newEpisodesCommand())
	rootCmd.AddCommand(newStartupCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newCommitCommand())

	return rootCmd
}

// scopeFlags adds the transaction scope flags to cmd.
func scopeFlags(cmd *cobra.Command, mode, vtn *string) {
	cmd.Flags().StringVar(mode, "mode", string(engine.ModeGlobal), "transaction mode (global, virtual, vtn)")
	cmd.Flags().StringVar(vtn, "vtn", "", "tenant of a vtn-mode transaction")
}

func parseScope(mode, vtn string) (engine.Scope, error) {
	scope := engine.Scope{Mode: engine.ConfigMode(mode), VTN: vtn}
	if err := scope.Validate(); err != nil {
		return engine.Scope{}, err
	}
	return scope, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
