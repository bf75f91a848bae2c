package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/cache"
	"github.com/planforge/planforge/pkg/codegen"
	"github.com/planforge/planforge/pkg/compiler"
	"github.com/planforge/planforge/pkg/config"
	"github.com/planforge/planforge/pkg/deploy"
	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/plan"
	"github.com/planforge/planforge/pkg/stores"
	"github.com/planforge/planforge/pkg/target"
	"github.com/planforge/planforge/pkg/telemetry"
	sshtransport "github.com/planforge/planforge/pkg/transports/ssh"
)

// app bundles the long-lived dependencies every command needs.
type app struct {
	cfg   *config.Config
	store *stores.SQLiteStore
	tel   *telemetry.Telemetry
}

// openApp loads configuration and opens the state database.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Telemetry.MetricsEnabled {
		if err := tel.StartMetricsServer(); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
	}
	return &app{cfg: cfg, store: store, tel: tel}, nil
}

// context attaches the app's telemetry to ctx so the instrumentation
// helpers become active downstream.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state database")
	}
}

// newRegistry returns a registry with the builtin module set plus any
// WASM modules found in modulesDir. A missing directory is not an error;
// WASM modules are optional.
func newRegistry(ctx context.Context, modulesDir string, timeout time.Duration) (*modules.Registry, error) {
	reg := modules.NewRegistry()
	for _, m := range modules.Builtins() {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	if modulesDir == "" {
		return reg, nil
	}

	manifests, err := filepath.Glob(filepath.Join(modulesDir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, manifestPath := range manifests {
		wasmPath := strings.TrimSuffix(manifestPath, ".json") + ".wasm"
		if _, err := os.Stat(wasmPath); err != nil {
			log.Warn().Str("manifest", manifestPath).Msg("Manifest has no matching .wasm binary, skipping")
			continue
		}
		m, err := modules.LoadWASMModuleFromFiles(ctx, manifestPath, wasmPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to load wasm module %s: %w", filepath.Base(wasmPath), err)
		}
		if err := reg.Register(m); err != nil {
			return nil, err
		}
		log.Debug().Str("module", m.Name()).Str("version", m.Version()).Msg("Loaded WASM module")
	}
	return reg, nil
}

// buildOptions carries the per-invocation build flags.
type buildOptions struct {
	profile  string
	strip    bool
	compress bool
	force    bool
	// targetOverride forces every host onto one triple.
	targetOverride string
	// filesDir adds a directory of static files to the payload.
	filesDir string
}

// builtUnit pairs a compilation unit with its cached artifact, or with
// the error that kept the unit from producing one.
type builtUnit struct {
	unit        *target.CompilationUnit
	fingerprint string
	artifact    *compiler.BinaryArtifact
	err         error
}

// buildResult is the outcome of a full build: the loaded plan and one
// entry per target triple. Units fail independently; callers consult
// failed() before using an artifact.
type buildResult struct {
	plan  *plan.ExecutionPlan
	units []builtUnit
}

// hostTriples maps each host ID to the unit whose artifact serves it.
// Hosts of failed units are absent.
func (r *buildResult) hostTriples() map[string]*builtUnit {
	byHost := make(map[string]*builtUnit)
	for i := range r.units {
		u := &r.units[i]
		if u.err != nil {
			continue
		}
		for _, id := range u.unit.HostIDs {
			byHost[id] = u
		}
	}
	return byHost
}

// failed returns the units that did not produce an artifact.
func (r *buildResult) failed() []*builtUnit {
	var out []*builtUnit
	for i := range r.units {
		if r.units[i].err != nil {
			out = append(out, &r.units[i])
		}
	}
	return out
}

// buildPipeline loads, validates, generates, and compiles the plan for
// every resolved target, going through the compilation cache.
func buildPipeline(ctx context.Context, a *app, planPath string, opts buildOptions) (*buildResult, error) {
	p, err := plan.Load(planPath)
	if err != nil {
		return nil, err
	}
	if _, err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.targetOverride != "" {
		for i := range p.Hosts {
			p.Hosts[i].TargetOverride = opts.targetOverride
		}
	}

	reg, err := newRegistry(ctx, a.cfg.ModulesDir, a.cfg.Runtime.ExecutionTimeout)
	if err != nil {
		return nil, err
	}
	if missing := p.CheckModules(reg.Available()); len(missing) > 0 {
		return nil, fmt.Errorf("plan references unknown modules: %v", missing)
	}

	units, unitErrs := target.Resolve(p)
	for _, uerr := range unitErrs {
		log.Error().Err(uerr).Msg("Host target resolution failed")
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("no host resolved to a buildable target")
	}

	profile, err := compiler.ParseProfile(opts.profile)
	if err != nil {
		return nil, err
	}
	compileOpts := compiler.Options{
		Profile:          profile,
		Strip:            opts.strip,
		Compress:         opts.compress,
		SizeLimit:        a.cfg.Build.SizeLimitBytes,
		EnforceSizeLimit: a.cfg.Build.EnforceSizeLimit,
	}

	staticFiles, err := collectStaticFiles(opts.filesDir)
	if err != nil {
		return nil, err
	}

	binCache, err := cache.New(cache.Config{
		Dir:      a.cfg.Cache.Dir,
		MaxBytes: a.cfg.Cache.MaxBytes,
	}, a.store)
	if err != nil {
		return nil, err
	}

	tc := target.NewToolchain()
	comp, err := compiler.New(tc, a.cfg.Build.OutputDir, a.cfg.Build.Jobs)
	if err != nil {
		return nil, err
	}

	coreDir, err := coreModuleDir()
	if err != nil {
		return nil, err
	}
	genCfg := codegen.DefaultConfig(coreDir)

	buildUnit := func(ctx context.Context, unit *target.CompilationUnit) builtUnit {
		// Each unit gets its own embedder: generation adds the unit's
		// WASM modules to it, which must not leak into sibling payloads.
		embedder := payload.NewEmbedder(a.cfg.RuntimePayloadConfig())
		for _, f := range staticFiles {
			embedder.AddFile(f.path, f.content, f.mode)
		}

		prog, err := codegen.Build(genCfg, unit, reg, embedder)
		if err != nil {
			return builtUnit{unit: unit, err: err}
		}

		fp := cache.Fingerprint(cache.FingerprintInput{
			PlanBytes: prog.Payload,
			Modules:   unit.Modules,
			Triple:    unit.Triple.String(),
			Flags:     fingerprintFlags(opts),
		})

		if opts.force {
			if err := binCache.Invalidate(ctx, fp); err != nil {
				log.Warn().Err(err).Str("fingerprint", fp).Msg("Cache invalidation failed")
			}
		}

		entry, err := binCache.GetOrBuild(ctx, fp, unit.Triple.String(), func(ctx context.Context) (string, error) {
			srcDir, err := os.MkdirTemp("", "planforge-gen-*")
			if err != nil {
				return "", err
			}
			defer os.RemoveAll(srcDir)

			if err := codegen.WriteTree(prog, srcDir); err != nil {
				return "", err
			}
			var artifactPath string
			err = telemetry.RecordCompileOperation(ctx, unit.Triple.String(), opts.profile, fp, func() (int64, error) {
				artifact, err := comp.Compile(ctx, srcDir, unit.Triple, compileOpts)
				if err != nil {
					return 0, err
				}
				artifactPath = artifact.Path
				return artifact.Size, nil
			})
			if err != nil {
				return "", err
			}
			return artifactPath, nil
		})
		if err != nil {
			return builtUnit{unit: unit, fingerprint: fp, err: err}
		}

		return builtUnit{
			unit:        unit,
			fingerprint: fp,
			artifact: &compiler.BinaryArtifact{
				Triple:     unit.Triple,
				Path:       entry.Path,
				Checksum:   entry.Checksum,
				Size:       entry.Size,
				Compressed: opts.compress,
			},
		}
	}

	// Units build independently: one triple's compile failure must not
	// abort its siblings. The compiler's job semaphore bounds how many
	// go builds actually run at once.
	result := &buildResult{plan: p, units: make([]builtUnit, len(units))}
	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit *target.CompilationUnit) {
			defer wg.Done()
			result.units[i] = buildUnit(ctx, unit)
		}(i, unit)
	}
	wg.Wait()

	for _, u := range result.failed() {
		log.Error().Err(u.err).Str("triple", u.unit.Triple.String()).Msg("Unit build failed")
	}
	if failed := len(result.failed()); failed == len(result.units) {
		return nil, fmt.Errorf("all %d unit build(s) failed", failed)
	}
	return result, nil
}

// fingerprintFlags folds the build options that change binary content into
// the cache key.
func fingerprintFlags(opts buildOptions) []string {
	flags := []string{"profile=" + opts.profile}
	if opts.strip {
		flags = append(flags, "strip")
	}
	if opts.compress {
		flags = append(flags, "compress")
	}
	return flags
}

type staticFile struct {
	path    string
	content []byte
	mode    uint32
}

// collectStaticFiles reads every regular file under dir, keyed by its
// dir-relative path. An empty dir yields no files.
func collectStaticFiles(dir string) ([]staticFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []staticFile
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, staticFile{
			path:    filepath.ToSlash(rel),
			content: content,
			mode:    uint32(info.Mode().Perm()),
		})
		return nil
	})
	return files, err
}

// coreModuleDir locates this module's source tree for the generated
// go.mod replace directive. PLANFORGE_SRC wins; otherwise the working
// directory must contain go.mod.
func coreModuleDir() (string, error) {
	if dir := os.Getenv("PLANFORGE_SRC"); dir != "" {
		return filepath.Abs(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(wd, "go.mod")); err != nil {
		return "", fmt.Errorf("cannot locate module source for generated runners; set PLANFORGE_SRC")
	}
	return wd, nil
}

// transportFactory builds SSH transports from the inventory host entry
// layered over the config defaults.
func transportFactory(cfg *config.Config) deploy.TransportFactory {
	return func(h *plan.Host) (sshtransport.Transport, error) {
		base := sshtransport.DefaultConfig(h.Address, cfg.SSH.User)
		if cfg.SSH.Port > 0 {
			base.Port = cfg.SSH.Port
		}
		if cfg.SSH.PrivateKeyPath != "" {
			base.PrivateKeyPath = cfg.SSH.PrivateKeyPath
		}
		if cfg.SSH.KnownHostsPath != "" {
			base.KnownHostsPath = cfg.SSH.KnownHostsPath
		}
		base.StrictHostKeyChecking = cfg.SSH.StrictHostKeyChecking
		if cfg.SSH.ConnectTimeout > 0 {
			base.ConnectionTimeout = cfg.SSH.ConnectTimeout
		}
		return sshtransport.NewClient(sshtransport.ConfigForHost(h, base))
	}
}

// deployConfig maps tool configuration and per-invocation flags onto the
// deployment manager settings.
func deployConfig(cfg *config.Config, parallelism int, hostTimeout time.Duration, verify bool) deploy.Config {
	dc := deploy.DefaultConfig()
	if cfg.Deploy.Parallelism > 0 {
		dc.Parallelism = cfg.Deploy.Parallelism
	}
	if cfg.Deploy.MaxRetries > 0 {
		dc.MaxRetries = cfg.Deploy.MaxRetries
	}
	if cfg.Deploy.BaseBackoff > 0 {
		dc.BaseBackoff = cfg.Deploy.BaseBackoff
	}
	if cfg.Deploy.HostTimeout > 0 {
		dc.PerHostTimeout = cfg.Deploy.HostTimeout
	}
	if cfg.Deploy.RemoteDir != "" {
		dc.RemoteDir = cfg.Deploy.RemoteDir
	}
	dc.Verify = cfg.Deploy.Verify
	if parallelism > 0 {
		dc.Parallelism = parallelism
	}
	if hostTimeout > 0 {
		dc.PerHostTimeout = hostTimeout
	}
	dc.Verify = dc.Verify && verify
	return dc
}

// findHost returns the inventory entry for a host ID.
func findHost(p *plan.ExecutionPlan, hostID string) (*plan.Host, error) {
	for i := range p.Hosts {
		if p.Hosts[i].ID == hostID {
			return &p.Hosts[i], nil
		}
	}
	return nil, fmt.Errorf("host %q is not in the plan inventory", hostID)
}
