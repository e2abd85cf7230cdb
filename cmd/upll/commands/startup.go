package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStartupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "startup",
		Short: "Save or load the startup configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Copy running to startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.pipeline.SaveStartup(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("rows", n).Msg("Saved startup configuration")
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d rows\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load",
		Short: "Replace candidate with startup",
		Long: `Copy startup to candidate and empty running, so the next commit pushes
the whole startup configuration to the controllers again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.pipeline.LoadStartup(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("rows", n).Msg("Loaded startup configuration")
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rows\n", n)
			return nil
		},
	})

	return cmd
}
