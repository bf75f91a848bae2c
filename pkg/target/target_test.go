package target

import (
	"errors"
	"testing"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/plan"
)

func TestParseTriple(t *testing.T) {
	tests := []struct {
		input   string
		want    Triple
		wantErr bool
	}{
		{"linux/amd64/gnu", Triple{OS: "linux", Arch: "amd64", ABI: "gnu"}, false},
		{"darwin/arm64", Triple{OS: "darwin", Arch: "arm64"}, false},
		{"linux", Triple{}, true},
		{"a/b/c/d", Triple{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTriple(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Expected parse of %q to fail", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("Expected %v for %q, got: %v", tt.want, tt.input, got)
		}
	}
}

func TestResolveHost(t *testing.T) {
	h := &plan.Host{ID: "web-1", OS: "Linux", Arch: "x86_64"}
	triple, err := ResolveHost(h)
	if err != nil {
		t.Fatalf("Failed to resolve host: %v", err)
	}
	if triple.String() != "linux/amd64/gnu" {
		t.Fatalf("Expected linux/amd64/gnu, got: %s", triple)
	}

	// musl hosts must not share a unit with glibc hosts.
	h = &plan.Host{ID: "alpine-1", OS: "linux", Arch: "aarch64", LibC: "musl"}
	triple, err = ResolveHost(h)
	if err != nil {
		t.Fatalf("Failed to resolve musl host: %v", err)
	}
	if triple.String() != "linux/arm64/musl" {
		t.Fatalf("Expected linux/arm64/musl, got: %s", triple)
	}
}

func TestResolveHostOverride(t *testing.T) {
	h := &plan.Host{ID: "mystery", TargetOverride: "freebsd/amd64"}
	triple, err := ResolveHost(h)
	if err != nil {
		t.Fatalf("Failed to resolve override: %v", err)
	}
	if triple.OS != "freebsd" {
		t.Fatalf("Expected freebsd, got: %s", triple.OS)
	}

	h = &plan.Host{ID: "bad", TargetOverride: "plan9/mips"}
	if _, err := ResolveHost(h); err == nil {
		t.Fatal("Expected unsupported override to fail")
	}
}

func TestResolveHostUnsupported(t *testing.T) {
	h := &plan.Host{ID: "opaque"}
	_, err := ResolveHost(h)
	if err == nil {
		t.Fatal("Expected host without metadata to fail")
	}
	var e *errdefs.Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected a classified error, got: %v", err)
	}
	if e.Code != errdefs.CodeUnsupportedTarget {
		t.Fatalf("Expected code %s, got: %s", errdefs.CodeUnsupportedTarget, e.Code)
	}
}

func TestResolveGroupsHostsByTriple(t *testing.T) {
	p := &plan.ExecutionPlan{
		Hosts: []plan.Host{
			{ID: "web-2", OS: "linux", Arch: "amd64"},
			{ID: "web-1", OS: "linux", Arch: "x86_64"},
			{ID: "arm-1", OS: "linux", Arch: "aarch64"},
			{ID: "broken", Arch: "sparc"},
		},
	}

	units, errs := Resolve(p)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 resolution error, got: %v", errs)
	}
	if len(units) != 2 {
		t.Fatalf("Expected 2 compilation units, got: %d", len(units))
	}

	// Units come back sorted by triple; hosts within a unit sorted by id.
	if units[0].Triple.String() != "linux/amd64/gnu" {
		t.Fatalf("Expected first unit linux/amd64/gnu, got: %s", units[0].Triple)
	}
	if len(units[0].HostIDs) != 2 || units[0].HostIDs[0] != "web-1" || units[0].HostIDs[1] != "web-2" {
		t.Fatalf("Expected sorted hosts [web-1 web-2], got: %v", units[0].HostIDs)
	}
	if units[1].Triple.String() != "linux/arm64/gnu" {
		t.Fatalf("Expected second unit linux/arm64/gnu, got: %s", units[1].Triple)
	}

	// Every resolvable host lands in exactly one unit.
	seen := map[string]int{}
	for _, u := range units {
		for _, id := range u.HostIDs {
			seen[id]++
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("Expected host %s in exactly one unit, got: %d", id, n)
		}
	}
}

func TestUnitID(t *testing.T) {
	u := &CompilationUnit{Triple: Triple{OS: "linux", Arch: "amd64", ABI: "gnu"}}
	if u.ID() != "linux-amd64-gnu" {
		t.Fatalf("Expected unit id linux-amd64-gnu, got: %s", u.ID())
	}
}
