// Package compiler drives the Go toolchain to turn generated runner
// sources into target binaries.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/target"
)

// Profile selects the optimization settings for a build.
type Profile string

const (
	// ProfileRelease optimizes normally with symbols stripped.
	ProfileRelease Profile = "release"
	// ProfileSize minimizes binary size.
	ProfileSize Profile = "size"
	// ProfileDebug keeps symbols and disables inlining for debugging.
	ProfileDebug Profile = "debug"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileRelease, ProfileSize, ProfileDebug:
		return Profile(s), nil
	case "":
		return ProfileRelease, nil
	default:
		return "", fmt.Errorf("unknown optimization profile %q", s)
	}
}

// BinaryArtifact describes one compiled runner binary.
type BinaryArtifact struct {
	Triple     target.Triple `json:"triple"`
	Path       string        `json:"path"`
	Checksum   string        `json:"checksum"`
	Size       int64         `json:"size"`
	Flags      []string      `json:"flags"`
	Compressed bool          `json:"compressed"`
}

// CompileError carries the toolchain's diagnostic output. It signals a
// defect in the generated source or module content, so it is never retried
// automatically.
type CompileError struct {
	Triple      target.Triple
	Diagnostics string
	Err         error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation for %s failed: %v\n%s", e.Triple, e.Err, e.Diagnostics)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Classify maps the compile error into the shared taxonomy.
func (e *CompileError) Classify() error {
	return errdefs.NewPermanent(e.Error()).
		WithCode(errdefs.CodeCompileFailed).
		WithUnit(e.Triple.String())
}

// Options controls a single compilation.
type Options struct {
	// Profile selects optimization flags, release when empty.
	Profile Profile
	// Strip removes symbol tables even when the profile keeps them.
	Strip bool
	// Compress stores the artifact zstd-compressed.
	Compress bool
	// SizeLimit warns when the binary exceeds this many bytes; 0 means
	// unlimited.
	SizeLimit int64
	// EnforceSizeLimit turns the size warning into a fatal error.
	EnforceSizeLimit bool
}

// Compiler invokes go build for generated source trees. Concurrent unit
// builds are bounded by the configured job count.
type Compiler struct {
	toolchain *target.Toolchain
	outDir    string
	jobs      chan struct{}
}

// New creates a Compiler writing binaries under outDir, running at most
// jobs builds at once.
func New(tc *target.Toolchain, outDir string, jobs int) (*Compiler, error) {
	if jobs <= 0 {
		jobs = 2
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Compiler{
		toolchain: tc,
		outDir:    outDir,
		jobs:      make(chan struct{}, jobs),
	}, nil
}

// buildFlags computes the go build arguments for a profile. The slice is
// sorted where order does not matter so flags can feed fingerprints.
func buildFlags(profile Profile, strip bool) []string {
	flags := []string{"-trimpath"}
	var ldflags []string
	switch profile {
	case ProfileSize:
		ldflags = append(ldflags, "-s", "-w")
		flags = append(flags, "-gcflags=all=-l")
	case ProfileDebug:
		flags = append(flags, "-gcflags=all=-N -l")
	default: // release
		ldflags = append(ldflags, "-s", "-w")
	}
	if strip {
		ldflags = appendUnique(ldflags, "-s", "-w")
	}
	if len(ldflags) > 0 {
		flags = append(flags, "-ldflags="+strings.Join(ldflags, " "))
	}
	sort.Strings(flags)
	return flags
}

func appendUnique(flags []string, add ...string) []string {
	for _, a := range add {
		found := false
		for _, f := range flags {
			if f == a {
				found = true
				break
			}
		}
		if !found {
			flags = append(flags, a)
		}
	}
	return flags
}

// Compile builds the source tree at srcDir for the triple and returns the
// resulting artifact. Failures in one unit never affect sibling builds.
func (c *Compiler) Compile(ctx context.Context, srcDir string, triple target.Triple, opts Options) (*BinaryArtifact, error) {
	select {
	case c.jobs <- struct{}{}:
		defer func() { <-c.jobs }()
	case <-ctx.Done():
		return nil, errdefs.NewTransient("compilation cancelled").
			WithCode(errdefs.CodeCancelled).WithUnit(triple.String())
	}

	if err := c.toolchain.Ensure(ctx, triple); err != nil {
		return nil, err
	}

	profile := opts.Profile
	if profile == "" {
		profile = ProfileRelease
	}
	flags := buildFlags(profile, opts.Strip)

	outName := "runner-" + strings.ReplaceAll(triple.String(), "/", "-")
	if triple.GOOS() == "windows" {
		outName += ".exe"
	}
	outPath := filepath.Join(c.outDir, outName)

	args := append([]string{"build", "-o", outPath}, flags...)
	args = append(args, ".")

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS="+triple.GOOS(),
		"GOARCH="+triple.GOARCH(),
	)
	var diagnostics strings.Builder
	cmd.Stdout = &diagnostics
	cmd.Stderr = &diagnostics

	log.Debug().
		Str("triple", triple.String()).
		Str("profile", string(profile)).
		Msg("Compiling runner")

	if err := cmd.Run(); err != nil {
		ce := &CompileError{Triple: triple, Diagnostics: diagnostics.String(), Err: err}
		return nil, ce.Classify()
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("compiled binary missing: %w", err)
	}
	size := info.Size()

	if opts.SizeLimit > 0 && size > opts.SizeLimit {
		if opts.EnforceSizeLimit {
			return nil, errdefs.NewPermanent(
				fmt.Sprintf("binary for %s is %d bytes, limit %d", triple, size, opts.SizeLimit)).
				WithCode(errdefs.CodeSizeLimit).WithUnit(triple.String())
		}
		log.Warn().
			Str("triple", triple.String()).
			Int64("size", size).
			Int64("limit", opts.SizeLimit).
			Msg("Binary exceeds size limit")
	}

	artifact := &BinaryArtifact{
		Triple: triple,
		Path:   outPath,
		Size:   size,
		Flags:  flags,
	}
	if opts.Compress {
		compressedPath, compressedSize, err := compressArtifact(outPath)
		if err != nil {
			return nil, fmt.Errorf("failed to compress binary: %w", err)
		}
		artifact.Path = compressedPath
		artifact.Size = compressedSize
		artifact.Compressed = true
	}

	checksum, err := fileChecksum(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum binary: %w", err)
	}
	artifact.Checksum = checksum

	log.Info().
		Str("triple", triple.String()).
		Int64("size", artifact.Size).
		Str("checksum", checksum[:12]).
		Msg("Runner compiled")
	return artifact, nil
}

// CompileAll builds every unit concurrently, bounded by the job count.
// Each unit's result or error is reported independently.
type UnitResult struct {
	Unit     *target.CompilationUnit
	Artifact *BinaryArtifact
	Err      error
}

func (c *Compiler) CompileAll(ctx context.Context, units []*target.CompilationUnit, srcDirs map[string]string, opts Options) []UnitResult {
	results := make([]UnitResult, len(units))
	var wg sync.WaitGroup
	for i, unit := range units {
		wg.Add(1)
		go func(i int, unit *target.CompilationUnit) {
			defer wg.Done()
			artifact, err := c.Compile(ctx, srcDirs[unit.ID()], unit.Triple, opts)
			results[i] = UnitResult{Unit: unit, Artifact: artifact, Err: err}
		}(i, unit)
	}
	wg.Wait()
	return results
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
