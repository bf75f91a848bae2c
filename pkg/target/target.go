// Package target resolves host metadata to build targets and groups hosts
// into compilation units so each distinct target is compiled once.
package target

import (
	"fmt"
	"sort"
	"strings"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/plan"
)

// Triple identifies a cross-compilation target: operating system,
// architecture, and ABI variant (gnu or musl for linux).
type Triple struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	ABI  string `json:"abi,omitempty"`
}

// String renders the triple in os/arch/abi form, e.g. linux/amd64/gnu.
func (t Triple) String() string {
	if t.ABI == "" {
		return t.OS + "/" + t.Arch
	}
	return t.OS + "/" + t.Arch + "/" + t.ABI
}

// GOOS returns the value for the Go toolchain's GOOS variable.
func (t Triple) GOOS() string { return t.OS }

// GOARCH returns the value for the Go toolchain's GOARCH variable.
func (t Triple) GOARCH() string { return t.Arch }

// ParseTriple parses an os/arch or os/arch/abi string.
func ParseTriple(s string) (Triple, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 2:
		return Triple{OS: parts[0], Arch: parts[1]}, nil
	case 3:
		return Triple{OS: parts[0], Arch: parts[1], ABI: parts[2]}, nil
	default:
		return Triple{}, fmt.Errorf("invalid target triple %q, want os/arch or os/arch/abi", s)
	}
}

// supported enumerates the triples a runner can be built for.
var supported = map[Triple]bool{
	{OS: "linux", Arch: "amd64", ABI: "gnu"}:    true,
	{OS: "linux", Arch: "amd64", ABI: "musl"}:   true,
	{OS: "linux", Arch: "arm64", ABI: "gnu"}:    true,
	{OS: "linux", Arch: "arm64", ABI: "musl"}:   true,
	{OS: "linux", Arch: "386", ABI: "gnu"}:      true,
	{OS: "linux", Arch: "riscv64", ABI: "gnu"}:  true,
	{OS: "darwin", Arch: "amd64"}:               true,
	{OS: "darwin", Arch: "arm64"}:               true,
	{OS: "freebsd", Arch: "amd64"}:              true,
	{OS: "windows", Arch: "amd64"}:              true,
	{OS: "windows", Arch: "arm64"}:              true,
}

// Supported reports whether a triple has a known toolchain configuration.
func Supported(t Triple) bool { return supported[t] }

// SupportedTriples returns all supported triples in sorted order.
func SupportedTriples() []Triple {
	triples := make([]Triple, 0, len(supported))
	for t := range supported {
		triples = append(triples, t)
	}
	sort.Slice(triples, func(i, j int) bool { return triples[i].String() < triples[j].String() })
	return triples
}

// archAliases maps the arch names uname and inventory tools report to
// GOARCH values.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"i386":    "386",
	"i686":    "386",
	"386":     "386",
	"riscv64": "riscv64",
}

// ResolveHost determines the target triple for a single host. An explicit
// override wins; otherwise the host's reported OS, architecture, and libc
// are mapped to a supported triple.
func ResolveHost(h *plan.Host) (Triple, error) {
	if h.TargetOverride != "" {
		t, err := ParseTriple(h.TargetOverride)
		if err != nil {
			return Triple{}, errdefs.NewPermanent(err.Error()).
				WithCode(errdefs.CodeUnsupportedTarget).WithUnit(h.ID)
		}
		if !Supported(t) {
			return Triple{}, errdefs.NewPermanent(
				fmt.Sprintf("host %s: override triple %s is not supported", h.ID, t)).
				WithCode(errdefs.CodeUnsupportedTarget).WithUnit(h.ID)
		}
		return t, nil
	}

	if h.OS == "" || h.Arch == "" {
		return Triple{}, errdefs.NewPermanent(
			fmt.Sprintf("host %s: no os/arch metadata and no target override", h.ID)).
			WithCode(errdefs.CodeUnsupportedTarget).WithUnit(h.ID)
	}

	arch, ok := archAliases[strings.ToLower(h.Arch)]
	if !ok {
		return Triple{}, errdefs.NewPermanent(
			fmt.Sprintf("host %s: unsupported architecture %q", h.ID, h.Arch)).
			WithCode(errdefs.CodeUnsupportedTarget).WithUnit(h.ID)
	}

	t := Triple{OS: strings.ToLower(h.OS), Arch: arch}
	if t.OS == "linux" {
		abi := strings.ToLower(h.LibC)
		if abi == "" {
			abi = "gnu"
		}
		t.ABI = abi
	}

	if !Supported(t) {
		return Triple{}, errdefs.NewPermanent(
			fmt.Sprintf("host %s: no supported target for %s", h.ID, t)).
			WithCode(errdefs.CodeUnsupportedTarget).WithUnit(h.ID)
	}
	return t, nil
}

// CompilationUnit groups the hosts sharing one target triple together with
// the plan subset and module set that target needs.
type CompilationUnit struct {
	Triple  Triple
	HostIDs []string
	Plan    *plan.ExecutionPlan
	Modules []string
}

// ID returns a stable identifier for the unit, derived from its triple.
func (u *CompilationUnit) ID() string {
	return strings.ReplaceAll(u.Triple.String(), "/", "-")
}

// Resolve maps every host in the plan to a triple and merges hosts sharing
// a triple into one CompilationUnit. Resolution failures are collected per
// host; hosts that do resolve still produce units, so one bad host never
// blocks its siblings.
func Resolve(p *plan.ExecutionPlan) ([]*CompilationUnit, []error) {
	byTriple := make(map[Triple][]plan.Host)
	var errs []error

	for i := range p.Hosts {
		h := &p.Hosts[i]
		t, err := ResolveHost(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		byTriple[t] = append(byTriple[t], *h)
	}

	units := make([]*CompilationUnit, 0, len(byTriple))
	for t, hosts := range byTriple {
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
		hostIDs := make([]string, len(hosts))
		for i, h := range hosts {
			hostIDs[i] = h.ID
		}
		units = append(units, &CompilationUnit{
			Triple:  t,
			HostIDs: hostIDs,
			Plan:    p.Subset(hosts),
			Modules: p.ModuleNames(),
		})
	}
	sort.Slice(units, func(i, j int) bool {
		return units[i].Triple.String() < units[j].Triple.String()
	})
	return units, errs
}
