package commands

import (
	"time"

	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		profile     string
		force       bool
		parallelism int
		hostTimeout time.Duration
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Build, deploy, and execute the plan in one step",
		Long: `Run is the end-to-end path: compile the plan, gate and deploy the
runners, and leave them active on every host. It is deploy with the
default verification always on, intended for interactive use.`,
		Example: `  planforge run site.yaml
  planforge run site.yaml --profile size --parallelism 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if profile == "" {
				profile = a.cfg.Build.Profile
			}
			opts := buildOptions{
				profile:  profile,
				strip:    a.cfg.Build.Strip,
				compress: a.cfg.Build.Compress,
				force:    force,
			}
			return runDeploy(cmd.Context(), a, args[0], opts, deployFlags{
				parallelism: parallelism,
				hostTimeout: hostTimeout,
				verify:      true,
				policyPaths: policyPaths,
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Build profile: release, size, or debug")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when a cached artifact exists")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Maximum concurrent host deployments")
	cmd.Flags().DurationVar(&hostTimeout, "host-timeout", 0, "Per-host deployment timeout")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Additional Rego policy files or directories")

	return cmd
}
