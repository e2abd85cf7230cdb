package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEpisodesCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "List journaled commit, audit, import and startup episodes",
		Example: `  upll episodes --limit 20
  upll episodes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			eps, err := rt.journal.ListEpisodes(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), eps)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tKEY TYPE\tMODE\tSTATUS\tROWS\tSTARTED")
			for _, ep := range eps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					ep.ID, ep.Kind, ep.KeyType, ep.Mode, ep.Status, ep.Rows,
					ep.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of episodes")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of episodes to skip")
	return cmd
}
