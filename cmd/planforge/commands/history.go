package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/deploy"
	"github.com/planforge/planforge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <host-id>",
		Short: "Show a host's deployment history",
		Long: `History lists a host's recorded deployments, newest first, with their
status, checksum, and the deployment each one replaced.`,
		Example: `  planforge history web-1
  planforge history web-1 --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			mgr := deploy.NewManager(a.store, transportFactory(a.cfg),
				deployConfig(a.cfg, 0, 0, false))

			records, err := mgr.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("No deployments recorded for host %s\n", args[0])
				return nil
			}

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()

			for _, r := range records {
				var status string
				switch r.Status {
				case stores.DeploymentActive:
					status = green(r.Status)
				case stores.DeploymentFailed:
					status = red(r.Status)
				default:
					status = yellow(r.Status)
				}
				line := fmt.Sprintf("  %s  %-12s %s  %s",
					r.ID[:8], status, r.StartedAt.Format(time.RFC3339), shortChecksum(r.Checksum))
				if r.PreviousID != nil {
					line += fmt.Sprintf("  replaced %s", (*r.PreviousID)[:8])
				}
				if r.Error != nil && *r.Error != "" {
					line += "  " + *r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records to show, 0 for all")

	return cmd
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
