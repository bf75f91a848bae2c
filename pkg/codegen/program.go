// Package codegen turns a compilation unit into a self-contained Go source
// tree for a plan runner binary.
package codegen

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/target"
)

// ModuleRef names one module compiled into a runner along with the Go
// expression that constructs it.
type ModuleRef struct {
	Name        string
	Version     string
	Constructor string
}

// Program is the intermediate representation of a generated runner: pure
// data, produced by Build and consumed by Render, so each side can be
// tested on its own.
type Program struct {
	// ModulePath is the generated module's own path.
	ModulePath string
	// CorePath is the import path of the runtime the runner links against.
	CorePath string
	// CoreDir is the filesystem location go.mod's replace directive points
	// at.
	CoreDir string
	// GoVersion is the go directive for the generated go.mod.
	GoVersion string
	// Triple is the build target, carried for diagnostics.
	Triple target.Triple
	// Modules is the sorted dispatch table.
	Modules []ModuleRef
	// Payload is the embedded plan payload.
	Payload []byte
}

// builtinConstructors maps module names to the expressions the generated
// dispatch table registers them with.
var builtinConstructors = map[string]string{
	"command":  "&modules.CommandModule{}",
	"file":     "&modules.FileModule{}",
	"copy":     "&modules.CopyModule{}",
	"template": "&modules.TemplateModule{}",
	"debug":    "&modules.DebugModule{}",
}

// Config carries the generator settings that do not vary per unit.
type Config struct {
	ModulePath string
	CorePath   string
	CoreDir    string
	GoVersion  string
}

// DefaultConfig returns the generator settings used by the CLI.
func DefaultConfig(coreDir string) Config {
	return Config{
		ModulePath: "planforge.local/runner",
		CorePath:   "github.com/planforge/planforge",
		CoreDir:    coreDir,
		GoVersion:  "1.25",
	}
}

// Build assembles the IR for one compilation unit. Every module the unit's
// tasks reference must be known; unknown modules fail generation with the
// complete missing list so a partially-dispatchable runner is never
// emitted.
func Build(cfg Config, unit *target.CompilationUnit, reg *modules.Registry, embedder *payload.Embedder) (*Program, error) {
	resolved, err := reg.Resolve(unit.Plan.ModuleNames())
	if err != nil {
		return nil, err
	}

	refs := make([]ModuleRef, 0, len(resolved))
	var unbuildable []string
	for _, m := range resolved {
		// WASM modules travel inside the payload; the runner loads them
		// at startup rather than linking them in.
		if wm, ok := m.(*modules.WASMModule); ok {
			manifest, err := json.Marshal(wm.Manifest())
			if err != nil {
				return nil, fmt.Errorf("failed to encode manifest for %s: %w", wm.Name(), err)
			}
			embedder.AddFile(modules.WASMPayloadDir+"/"+wm.Name()+".json", manifest, 0o644)
			embedder.AddFile(modules.WASMPayloadDir+"/"+wm.Name()+".wasm", wm.Binary(), 0o644)
			continue
		}
		ctor, ok := builtinConstructors[m.Name()]
		if !ok {
			unbuildable = append(unbuildable, m.Name())
			continue
		}
		refs = append(refs, ModuleRef{
			Name:        m.Name(),
			Version:     m.Version(),
			Constructor: ctor,
		})
	}
	if len(unbuildable) > 0 {
		sort.Strings(unbuildable)
		return nil, errdefs.NewPermanent(
			fmt.Sprintf("modules cannot be compiled into a runner: %v", unbuildable)).
			WithCode(errdefs.CodeModuleMissing)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	data, err := embedder.Embed(unit.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to embed payload for %s: %w", unit.Triple, err)
	}

	return &Program{
		ModulePath: cfg.ModulePath,
		CorePath:   cfg.CorePath,
		CoreDir:    cfg.CoreDir,
		GoVersion:  cfg.GoVersion,
		Triple:     unit.Triple,
		Modules:    refs,
		Payload:    data,
	}, nil
}
