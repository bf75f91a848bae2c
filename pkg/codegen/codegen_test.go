package codegen

import (
	"bytes"
	"strings"
	"testing"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/plan"
	"github.com/planforge/planforge/pkg/target"
)

func testUnit(moduleNames ...string) *target.CompilationUnit {
	tasks := make([]plan.Task, len(moduleNames))
	for i, name := range moduleNames {
		tasks[i] = plan.Task{
			ID:     "t" + name,
			Name:   "use " + name,
			Module: name,
			Args:   map[string]interface{}{"cmd": "true", "path": "/tmp/x", "dest": "/tmp/y", "content": "z"},
		}
	}
	p := &plan.ExecutionPlan{
		Plays: []plan.Play{
			{ID: "play-1", Batches: []plan.Batch{{ID: "batch-1", Tasks: tasks}}},
		},
		Hosts:      []plan.Host{{ID: "web-1", OS: "linux", Arch: "amd64"}},
		TotalTasks: len(tasks),
	}
	return &target.CompilationUnit{
		Triple:  target.Triple{OS: "linux", Arch: "amd64", ABI: "gnu"},
		HostIDs: []string{"web-1"},
		Plan:    p,
		Modules: p.ModuleNames(),
	}
}

func TestBuildAndRenderDeterminism(t *testing.T) {
	cfg := DefaultConfig("/opt/planforge/src")

	generate := func() map[string][]byte {
		prog, err := Build(cfg, testUnit("command", "file"), modules.NewBuiltinRegistry(),
			payload.NewEmbedder(payload.DefaultRuntimeConfig()))
		if err != nil {
			t.Fatalf("Failed to build program: %v", err)
		}
		files, err := Render(prog)
		if err != nil {
			t.Fatalf("Failed to render program: %v", err)
		}
		return files
	}

	first := generate()
	second := generate()
	if len(first) != 4 {
		t.Fatalf("Expected 4 rendered files, got: %d", len(first))
	}
	for name, content := range first {
		if !bytes.Equal(content, second[name]) {
			t.Fatalf("Expected %s to be byte-identical across generations", name)
		}
	}
}

func TestRenderedSources(t *testing.T) {
	cfg := DefaultConfig("/opt/planforge/src")
	prog, err := Build(cfg, testUnit("file", "command"), modules.NewBuiltinRegistry(),
		payload.NewEmbedder(payload.DefaultRuntimeConfig()))
	if err != nil {
		t.Fatalf("Failed to build program: %v", err)
	}
	files, err := Render(prog)
	if err != nil {
		t.Fatalf("Failed to render program: %v", err)
	}

	goMod := string(files[FileGoMod])
	if !strings.Contains(goMod, "module planforge.local/runner") {
		t.Fatalf("Expected generated go.mod module path, got: %s", goMod)
	}
	if !strings.Contains(goMod, "replace github.com/planforge/planforge => /opt/planforge/src") {
		t.Fatalf("Expected replace directive, got: %s", goMod)
	}

	registry := string(files[FileRegistry])
	// Dispatch table is sorted by module name regardless of plan order.
	cmdIdx := strings.Index(registry, "CommandModule")
	fileIdx := strings.Index(registry, "FileModule")
	if cmdIdx < 0 || fileIdx < 0 || cmdIdx > fileIdx {
		t.Fatalf("Expected sorted dispatch table, got: %s", registry)
	}

	main := string(files[FileMain])
	if !strings.Contains(main, "//go:embed payload.bin") {
		t.Fatalf("Expected payload embed directive, got: %s", main)
	}

	p, err := payload.Unmarshal(files[FilePayload])
	if err != nil {
		t.Fatalf("Failed to decode rendered payload: %v", err)
	}
	if len(p.Modules) != 2 {
		t.Fatalf("Expected 2 modules in payload, got: %v", p.Modules)
	}
}

func TestBuildEnumeratesMissingModules(t *testing.T) {
	cfg := DefaultConfig("/opt/planforge/src")
	_, err := Build(cfg, testUnit("command", "zfs_pool", "apt_repo"), modules.NewBuiltinRegistry(),
		payload.NewEmbedder(payload.DefaultRuntimeConfig()))
	if err == nil {
		t.Fatal("Expected generation with unknown modules to fail")
	}
	if !errdefs.IsPermanent(err) {
		t.Fatalf("Expected a permanent error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "zfs_pool") || !strings.Contains(err.Error(), "apt_repo") {
		t.Fatalf("Expected every missing module to be named, got: %v", err)
	}
}
