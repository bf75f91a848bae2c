package runtime

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
)

// Main is the entry point generated runners call from their main package.
// It decodes the embedded payload, links WASM modules carried in it,
// replays the plan, and reports to the controller when one is configured.
// The return value is the process exit code.
func Main(payloadData []byte, registry *modules.Registry) int {
	p, err := payload.Unmarshal(payloadData)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode embedded payload")
		return 1
	}
	configureLogging(p.Config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if p.Config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Config.ExecutionTimeout)
		defer cancel()
	}

	wasmModules, err := loadWASMModules(ctx, p, registry)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load WASM modules from payload")
		return 1
	}
	defer func() {
		for _, m := range wasmModules {
			_ = m.Close(context.Background())
		}
	}()

	workDir, err := extractFiles(p)
	if err != nil {
		log.Error().Err(err).Msg("Failed to extract payload files")
		return 1
	}
	if p.Config.CleanupOnCompletion && workDir != "" {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				log.Warn().Err(err).Msg("Failed to clean up extracted files")
			}
		}()
	}

	reporter := NewReporter(p.Config)
	if reporter != nil {
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go reporter.Heartbeat(hbCtx)
	}

	facts := map[string]interface{}{
		"planforge_files_dir": workDir,
	}
	engine := NewEngine(registry, p.Config)
	report := engine.Run(ctx, p.Plan, facts)

	if reporter != nil {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := reporter.Send(sendCtx, report); err != nil {
			log.Warn().Err(err).Msg("Failed to deliver execution report")
		}
	}

	if !report.Success {
		log.Error().
			Str("error", report.Error).
			Dur("execution_time", report.ExecutionTime).
			Msg("Plan execution failed")
		return 1
	}
	log.Info().
		Dur("execution_time", report.ExecutionTime).
		Msg("Plan execution complete")
	return 0
}

func configureLogging(cfg payload.RuntimeConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// loadWASMModules pairs manifest and binary files embedded under the
// module payload prefix and registers the resulting modules.
func loadWASMModules(ctx context.Context, p *payload.Payload, registry *modules.Registry) ([]*modules.WASMModule, error) {
	manifests := make(map[string]*modules.WASMManifest)
	binaries := make(map[string][]byte)

	prefix := modules.WASMPayloadDir + "/"
	for _, f := range p.Files {
		if !strings.HasPrefix(f.Path, prefix) {
			continue
		}
		name := strings.TrimPrefix(f.Path, prefix)
		switch {
		case strings.HasSuffix(name, ".json"):
			var manifest modules.WASMManifest
			if err := json.Unmarshal(f.Content, &manifest); err != nil {
				return nil, err
			}
			manifests[strings.TrimSuffix(name, ".json")] = &manifest
		case strings.HasSuffix(name, ".wasm"):
			binaries[strings.TrimSuffix(name, ".wasm")] = f.Content
		}
	}

	var loaded []*modules.WASMModule
	for name, manifest := range manifests {
		wasm, ok := binaries[name]
		if !ok {
			continue
		}
		m, err := modules.LoadWASMModule(ctx, manifest, wasm, p.Config.ExecutionTimeout)
		if err != nil {
			for _, prev := range loaded {
				_ = prev.Close(context.Background())
			}
			return nil, err
		}
		if err := registry.Register(m); err != nil {
			_ = m.Close(context.Background())
			for _, prev := range loaded {
				_ = prev.Close(context.Background())
			}
			return nil, err
		}
		loaded = append(loaded, m)
	}
	return loaded, nil
}

// extractFiles writes the payload's static files into a temporary working
// directory, skipping module binaries which stay in memory. Returns ""
// when the payload carries no static files.
func extractFiles(p *payload.Payload) (string, error) {
	var static []payload.File
	prefix := modules.WASMPayloadDir + "/"
	for _, f := range p.Files {
		if strings.HasPrefix(f.Path, prefix) {
			continue
		}
		static = append(static, f)
	}
	if len(static) == 0 {
		return "", nil
	}

	workDir, err := os.MkdirTemp("", "planforge-run-*")
	if err != nil {
		return "", err
	}
	for _, f := range static {
		dst := filepath.Join(workDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			_ = os.RemoveAll(workDir)
			return "", err
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Content, mode); err != nil {
			_ = os.RemoveAll(workDir)
			return "", err
		}
	}
	return workDir, nil
}
