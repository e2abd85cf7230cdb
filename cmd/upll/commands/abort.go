package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newAbortCommand() *cobra.Command {
	var mode, vtn string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Discard uncommitted candidate changes",
		Example: `  upll abort
  upll abort --mode vtn --vtn tenant1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(mode, vtn)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			n, err := rt.pipeline.AbortCandidate(ctx, scope)
			if err != nil {
				return err
			}
			log.Info().Str("scope", scope.String()).Int("rows", n).Msg("Candidate restored from running")
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d rows\n", n)
			return nil
		},
	}

	scopeFlags(cmd, &mode, &vtn)
	return cmd
}
