package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/deploy"
	"github.com/planforge/planforge/pkg/plan"
)

func newRollbackCommand() *cobra.Command {
	var deploymentID string

	cmd := &cobra.Command{
		Use:   "rollback <plan-file> <host-id>",
		Short: "Restore a host's previous runner binary",
		Long: `Rollback repoints the host's runner symlink at the deployment that was
active before the current one. With --deployment-id a specific historic
deployment is rolled back instead of the active one. Hosts with no prior
version are left untouched.`,
		Example: `  planforge rollback site.yaml web-1
  planforge rollback site.yaml web-1 --deployment-id 4f1c2a...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			host, err := findHost(p, args[1])
			if err != nil {
				return err
			}

			mgr := deploy.NewManager(a.store, transportFactory(a.cfg),
				deployConfig(a.cfg, 0, 0, true))

			if deploymentID != "" {
				err = mgr.RollbackDeployment(cmd.Context(), host, deploymentID)
			} else {
				err = mgr.Rollback(cmd.Context(), host)
			}
			if errors.Is(err, deploy.ErrNoPriorVersion) {
				log.Warn().Str("host", host.ID).Msg("No prior version to roll back to")
				return err
			}
			if err != nil {
				return err
			}

			log.Info().Str("host", host.ID).Msg("Rollback complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "Roll back a specific deployment instead of the active one")

	return cmd
}
