package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/deploy"
	"github.com/planforge/planforge/pkg/plan"
)

func newCleanupCommand() *cobra.Command {
	var hostID string

	cmd := &cobra.Command{
		Use:   "cleanup <plan-file>",
		Short: "Remove deployed runner binaries from hosts",
		Long: `Cleanup deletes the runner symlink and every recorded release directory
from each host in the plan. Individual removal failures are logged and
the remaining hosts still get cleaned.`,
		Example: `  planforge cleanup site.yaml
  planforge cleanup site.yaml --host web-1`,
		Args: cobra.ExactArgs(1),
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

			hosts := p.Hosts
			if hostID != "" {
				h, err := findHost(p, hostID)
				if err != nil {
					return err
				}
				hosts = []plan.Host{*h}
			}

			mgr := deploy.NewManager(a.store, transportFactory(a.cfg),
				deployConfig(a.cfg, 0, 0, false))

			failed := 0
			for i := range hosts {
				errs := mgr.Cleanup(cmd.Context(), &hosts[i])
				if len(errs) > 0 {
					failed++
					for _, cerr := range errs {
						log.Warn().Str("host", hosts[i].ID).Err(cerr).Msg("Cleanup error")
					}
					continue
				}
				log.Info().Str("host", hosts[i].ID).Msg("Host cleaned")
			}
			if failed > 0 {
				return fmt.Errorf("cleanup finished with errors on %d of %d host(s)", failed, len(hosts))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hostID, "host", "", "Clean a single host instead of the whole inventory")

	return cmd
}
