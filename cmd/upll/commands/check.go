package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upll/pkg/motypes"
)

type checkSummary struct {
	Backend      string   `json:"backend"`
	Controllers  []string `json:"controllers"`
	Capabilities string   `json:"capabilities,omitempty"`
	KeyTypes     []string `json:"key_types"`
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and capability table",
		Long: `Load the configuration file, the controller inventory and the capability
table and report what the engine would run with.`,
		Example: `  upll check --config /etc/upll/upll.yaml
  upll check --config upll.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inv, err := cfg.Inventory()
			if err != nil {
				return err
			}
			if _, err := cfg.CapabilityTable(); err != nil {
				return err
			}
			reg, err := motypes.Default()
			if err != nil {
				return err
			}
			order, err := reg.CommitOrder()
			if err != nil {
				return err
			}

			sum := checkSummary{Backend: cfg.Store.Backend, Capabilities: cfg.Capabilities}
			for _, c := range inv.List() {
				sum.Controllers = append(sum.Controllers, fmt.Sprintf("%s (%s %s)", c.ID, c.Type, c.Version))
			}
			for _, mt := range order {
				sum.KeyTypes = append(sum.KeyTypes, string(mt.KeyType))
			}
			log.Debug().Int("controllers", len(sum.Controllers)).Msg("Configuration is valid")

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:      %s\n", sum.Backend)
			fmt.Fprintf(out, "capabilities: %s\n", sum.Capabilities)
			fmt.Fprintf(out, "controllers:  %d\n", len(sum.Controllers))
			for _, c := range sum.Controllers {
				fmt.Fprintf(out, "  %s\n", c)
			}
			fmt.Fprintf(out, "key types:    %v\n", sum.KeyTypes)
			return nil
		},
	}
	return cmd
}
