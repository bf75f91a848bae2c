package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/deploy"
	"github.com/planforge/planforge/pkg/policy"
	"github.com/planforge/planforge/pkg/stores"
)

func newDeployCommand() *cobra.Command {
	var (
		profile     string
		force       bool
		parallelism int
		hostTimeout time.Duration
		verify      bool
		dryRun      bool
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <plan-file>",
		Short: "Build and push runner binaries to every host",
		Long: `Deploy builds the plan (reusing cached artifacts when nothing changed),
evaluates the policy gate for every host, then transfers and activates
the binaries over SSH with bounded parallelism. Failed hosts retry with
exponential backoff; when verification fails the previous binary is
restored.`,
		Example: `  # Deploy with the configured defaults
  planforge deploy site.yaml

  # Check what the policy gate would decide without touching any host
  planforge deploy site.yaml --dry-run

  # Narrow rollout with custom policies
  planforge deploy site.yaml --parallelism 2 --policy ./policies/prod.rego`,
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
				verify:      verify,
				dryRun:      dryRun,
				policyPaths: policyPaths,
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Build profile: release, size, or debug")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when a cached artifact exists")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Maximum concurrent host deployments")
	cmd.Flags().DurationVar(&hostTimeout, "host-timeout", 0, "Per-host deployment timeout")
	cmd.Flags().BoolVar(&verify, "verify", true, "Verify remote checksums after transfer")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate the policy gate without deploying")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Additional Rego policy files or directories")

	return cmd
}

type deployFlags struct {
	parallelism int
	hostTimeout time.Duration
	verify      bool
	dryRun      bool
	policyPaths []string
}

func runDeploy(ctx context.Context, a *app, planPath string, opts buildOptions, flags deployFlags) error {
	ctx = a.context(ctx)
	result, err := buildPipeline(ctx, a, planPath, opts)
	if err != nil {
		return err
	}

	gate, err := policy.NewEngine(log.Logger)
	if err != nil {
		return err
	}
	paths := append([]string{}, a.cfg.Policy.Paths...)
	paths = append(paths, flags.policyPaths...)
	if len(paths) > 0 {
		if err := gate.LoadPolicies(ctx, paths); err != nil {
			return err
		}
	}

	// Hosts of failed units are reported and skipped; the remaining
	// units still roll out.
	for _, u := range result.failed() {
		log.Error().
			Err(u.err).
			Str("triple", u.unit.Triple.String()).
			Strs("hosts", u.unit.HostIDs).
			Msg("Skipping hosts of failed unit")
	}

	byHost := result.hostTriples()
	gateCtx := &policy.GateContext{
		Environment: a.cfg.Policy.Environment,
		Verify:      flags.verify,
		DryRun:      flags.dryRun,
		User:        os.Getenv("USER"),
		Timestamp:   time.Now(),
	}

	var jobs []deploy.Job
	blocked := 0
	for i := range result.plan.Hosts {
		h := &result.plan.Hosts[i]
		built, ok := byHost[h.ID]
		if !ok {
			log.Warn().Str("host", h.ID).Msg("Host has no artifact, skipping")
			continue
		}

		verdict, err := gate.EvaluateDeployment(ctx, &policy.GateInput{
			Host: h,
			Artifact: &policy.ArtifactInput{
				Triple:    built.artifact.Triple.String(),
				SizeBytes: built.artifact.Size,
				Checksum:  built.artifact.Checksum,
			},
			Plan:    result.plan.Metadata,
			Context: gateCtx,
		})
		if err != nil {
			return err
		}
		for _, w := range verdict.Warnings {
			log.Warn().Str("host", h.ID).Msg(w)
		}
		if !verdict.Allowed {
			blocked++
			for _, v := range verdict.Violations {
				log.Error().
					Str("host", h.ID).
					Str("policy", v.Policy).
					Str("severity", string(v.Severity)).
					Msg(v.Message)
			}
			continue
		}

		jobs = append(jobs, deploy.Job{
			Host:        *h,
			Artifact:    built.artifact,
			Fingerprint: built.fingerprint,
		})
	}

	if flags.dryRun {
		fmt.Printf("\nDry run: %d host(s) allowed, %d blocked by policy\n", len(jobs), blocked)
		for _, j := range jobs {
			fmt.Printf("  %s  %s -> %s (%s)\n",
				color.GreenString("allow"), j.Host.ID, j.Host.Address, j.Artifact.Triple.String())
		}
		return nil
	}
	if blocked > 0 && len(jobs) == 0 {
		return fmt.Errorf("policy gate blocked all %d host(s)", blocked)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no hosts to deploy")
	}

	mgr := deploy.NewManager(a.store, transportFactory(a.cfg),
		deployConfig(a.cfg, flags.parallelism, flags.hostTimeout, flags.verify))

	report := mgr.Deploy(ctx, jobs)
	printReport(report, blocked)
	if !report.Success() {
		return fmt.Errorf("deployment did not meet the success policy")
	}
	if failed := result.failed(); len(failed) > 0 {
		return fmt.Errorf("%d target(s) failed to build and their hosts were not deployed", len(failed))
	}
	return nil
}

// printReport renders the per-host outcome table.
func printReport(report *deploy.Report, blocked int) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Println()
	for _, s := range report.Hosts() {
		var status string
		switch s.Status {
		case stores.DeploymentActive:
			status = green(s.Status)
		case stores.DeploymentFailed:
			status = red(s.Status)
		default:
			status = yellow(s.Status)
		}
		line := fmt.Sprintf("  %-24s %s  attempts=%d", s.HostID, status, s.Attempts)
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Println(line)
	}

	counts := report.Counts()
	fmt.Printf("\n%d active, %d failed, %d rolled back",
		counts[stores.DeploymentActive],
		counts[stores.DeploymentFailed],
		counts[stores.DeploymentRolledBack])
	if blocked > 0 {
		fmt.Printf(", %d blocked by policy", blocked)
	}
	fmt.Printf("  (%s)\n", report.EndedAt.Sub(report.StartedAt).Round(time.Millisecond))
}
