package commands

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upll/pkg/engine"
	"github.com/openfroyo/upll/pkg/telemetry"
)

type commitSummary struct {
	Rows     int          `json:"rows"`
	Episodes int          `json:"episodes"`
	Failed   []failedVote `json:"failed,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type failedVote struct {
	Operation  engine.Operation  `json:"operation"`
	Key        string            `json:"key"`
	Controller string            `json:"controller"`
	Result     engine.ResultCode `json:"result"`
}

func newCommitCommand() *cobra.Command {
	var mode, vtn string
	var watch bool

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit candidate changes to running and the controllers",
		Long: `Push every candidate change to the controllers carrying it and copy the
result to running. Controllers that reject or miss a change are reported
and their rows are left NOT_APPLIED.`,
		Example: `  upll commit
  upll commit --watch
  upll commit --mode vtn --vtn tenant1 --json`,
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

			var (
				mu      sync.Mutex
				changes []string
			)
			if watch {
				rt.tel.Events.Subscribe(func(e telemetry.Event) {
					mu.Lock()
					defer mu.Unlock()
					changes = append(changes, fmt.Sprintf("%s %s %s", e.Type, e.KeyType, e.Key))
				}, telemetry.FilterByType(
					telemetry.EventTypeConfigCreated,
					telemetry.EventTypeConfigUpdated,
					telemetry.EventTypeConfigDeleted,
				))
			}

			rep, commitErr := rt.manager.Commit(ctx, scope)
			// Closing delivers the queued change notifications.
			rt.close(ctx)
			mu.Lock()
			for _, c := range changes {
				fmt.Fprintln(cmd.ErrOrStderr(), c)
			}
			mu.Unlock()

			sum := commitSummary{}
			if rep != nil {
				sum.Rows = rep.Rows
				sum.Episodes = len(rep.Episodes)
				for _, v := range rep.Failed {
					sum.Failed = append(sum.Failed, failedVote{
						Operation:  v.Operation,
						Key:        v.Key.String(),
						Controller: v.Owner.Controller,
						Result:     v.Result,
					})
				}
			}
			if commitErr != nil {
				sum.Error = commitErr.Error()
			}

			log.Info().
				Str("scope", scope.String()).
				Int("rows", sum.Rows).
				Int("failed", len(sum.Failed)).
				Msg("Commit finished")

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
					return err
				}
				return commitErr
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "committed %d rows in %d episodes\n", sum.Rows, sum.Episodes)
			for _, f := range sum.Failed {
				fmt.Fprintf(out, "  %s %s on %s: %s\n", f.Operation, f.Key, f.Controller, f.Result)
			}
			return commitErr
		},
	}

	scopeFlags(cmd, &mode, &vtn)
	cmd.Flags().BoolVar(&watch, "watch", false, "print the change notifications of committed rows to stderr")
	return cmd
}
