package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/planforge/planforge/pkg/telemetry"
)

func newBuildCommand() *cobra.Command {
	var (
		profile        string
		strip          bool
		compress       bool
		force          bool
		targetOverride string
		filesDir       string
		watch          bool
	)

	cmd := &cobra.Command{
		Use:   "build <plan-file>",
		Short: "Compile a plan into static binaries",
		Long: `Build validates the plan, resolves every host to a target triple, and
compiles one self-contained runner binary per triple. Results go through
the content-addressed cache, so unchanged plans reuse previous builds.`,
		Example: `  # Build with the configured defaults
  planforge build site.yaml

  # Size-optimized compressed binaries, ignoring the cache
  planforge build site.yaml --profile size --compress --force

  # Rebuild automatically while editing the plan
  planforge build site.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := args[0]
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if profile == "" {
				profile = a.cfg.Build.Profile
			}
			opts := buildOptions{
				profile:        profile,
				strip:          strip || a.cfg.Build.Strip,
				compress:       compress || a.cfg.Build.Compress,
				force:          force,
				targetOverride: targetOverride,
				filesDir:       filesDir,
			}

			if watch {
				return watchAndBuild(cmd.Context(), a, planPath, opts)
			}
			return runBuild(cmd.Context(), a, planPath, opts)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Build profile: release, size, or debug")
	cmd.Flags().BoolVar(&strip, "strip", false, "Strip symbol tables from the binaries")
	cmd.Flags().BoolVar(&compress, "compress", false, "Store artifacts zstd-compressed")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when a cached artifact exists")
	cmd.Flags().StringVar(&targetOverride, "target", "", "Force all hosts onto one triple (e.g. linux/arm64/musl)")
	cmd.Flags().StringVar(&filesDir, "files", "", "Directory of static files to embed in the payload")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rebuild whenever the plan file changes")

	return cmd
}

func runBuild(ctx context.Context, a *app, planPath string, opts buildOptions) error {
	start := time.Now()
	buildID := uuid.New().String()[:8]
	ctx = telemetry.WithBuildContext(a.context(ctx), buildID, opts.profile)

	result, err := buildPipeline(ctx, a, planPath, opts)
	if err != nil {
		telemetry.EndBuildContext(ctx, buildID, opts.profile, "failed", err)
		return err
	}

	for i := range result.units {
		u := &result.units[i]
		if u.err != nil {
			continue
		}
		log.Info().
			Str("triple", u.unit.Triple.String()).
			Str("fingerprint", u.fingerprint[:12]).
			Int64("size", u.artifact.Size).
			Int("hosts", len(u.unit.HostIDs)).
			Str("path", u.artifact.Path).
			Msg("Artifact ready")
	}

	if failed := result.failed(); len(failed) > 0 {
		err := fmt.Errorf("build failed for %d of %d target(s)", len(failed), len(result.units))
		telemetry.EndBuildContext(ctx, buildID, opts.profile, "failed", err)
		return err
	}
	telemetry.EndBuildContext(ctx, buildID, opts.profile, "success", nil)
	log.Info().
		Int("targets", len(result.units)).
		Dur("elapsed", time.Since(start)).
		Msg("Build complete")
	return nil
}

// watchAndBuild rebuilds on every write to the plan file, debounced so
// editors that write in bursts trigger a single build.
func watchAndBuild(ctx context.Context, a *app, planPath string, opts buildOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors that rename-and-replace
	// would otherwise drop the watch after the first save.
	if err := watcher.Add(filepath.Dir(planPath)); err != nil {
		return err
	}
	if opts.filesDir != "" {
		if err := watcher.Add(opts.filesDir); err != nil {
			return err
		}
	}
	watched := filepath.Clean(planPath)
	filesPrefix := ""
	if opts.filesDir != "" {
		filesPrefix = filepath.Clean(opts.filesDir) + string(filepath.Separator)
	}

	if err := runBuild(ctx, a, planPath, opts); err != nil {
		log.Error().Err(err).Msg("Build failed")
	}
	log.Info().Str("plan", planPath).Msg("Watching for changes")

	var (
		debounce = 500 * time.Millisecond
		timer    *time.Timer
		timerC   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if name != watched && (filesPrefix == "" || !strings.HasPrefix(name, filesPrefix)) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			log.Info().Str("plan", planPath).Msg("Plan changed, rebuilding")
			if err := runBuild(ctx, a, planPath, opts); err != nil {
				log.Error().Err(err).Msg("Build failed")
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("Watcher error")
		}
	}
}
