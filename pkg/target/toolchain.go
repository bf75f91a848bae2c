package target

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/planforge/planforge/pkg/errdefs"
)

// Toolchain locates the Go toolchain used for cross-compiling runners and
// can acquire a pinned version when the installed one is missing or too old.
type Toolchain struct {
	// GoBinary is the compiler driver, "go" unless overridden.
	GoBinary string
	// PinnedVersion selects an exact toolchain (e.g. "go1.25.2"). Empty
	// means whatever is installed.
	PinnedVersion string
	// AutoAcquire permits downloading the pinned toolchain when it is
	// not already installed.
	AutoAcquire bool

	mu       sync.Mutex
	distList map[string]bool
}

// NewToolchain returns a Toolchain using the go binary from PATH.
func NewToolchain() *Toolchain {
	return &Toolchain{GoBinary: "go"}
}

// Ensure verifies the toolchain can build for the triple. When the driver
// or the pinned version is unavailable and AutoAcquire is set, acquisition
// runs once and the check is retried; otherwise the failure is returned as
// a toolchain error scoped to this triple.
func (tc *Toolchain) Ensure(ctx context.Context, t Triple) error {
	err := tc.check(ctx, t)
	if err == nil {
		return nil
	}
	if !errdefs.IsRetryable(err) || !tc.AutoAcquire {
		return err
	}
	if acqErr := tc.acquire(ctx); acqErr != nil {
		return errdefs.NewPermanent(
			fmt.Sprintf("toolchain acquisition failed: %v (original: %v)", acqErr, err)).
			WithCode(errdefs.CodeToolchainMissing)
	}
	return tc.check(ctx, t)
}

func (tc *Toolchain) check(ctx context.Context, t Triple) error {
	bin := tc.GoBinary
	if bin == "" {
		bin = "go"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return errdefs.NewTransient(
			fmt.Sprintf("go toolchain not found in PATH: %v", err)).
			WithCode(errdefs.CodeToolchainMissing)
	}

	pairs, err := tc.loadDistList(ctx, bin)
	if err != nil {
		return errdefs.NewTransient(
			fmt.Sprintf("failed to query toolchain targets: %v", err)).
			WithCode(errdefs.CodeToolchainMissing)
	}
	pair := t.GOOS() + "/" + t.GOARCH()
	if !pairs[pair] {
		return errdefs.NewPermanent(
			fmt.Sprintf("toolchain cannot build for %s", pair)).
			WithCode(errdefs.CodeUnsupportedTarget)
	}
	return nil
}

// loadDistList runs `go tool dist list` once and caches the result.
func (tc *Toolchain) loadDistList(ctx context.Context, bin string) (map[string]bool, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.distList != nil {
		return tc.distList, nil
	}

	cmd := exec.CommandContext(ctx, bin, "tool", "dist", "list")
	cmd.Env = tc.env()
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			pairs[line] = true
		}
	}
	tc.distList = pairs
	return pairs, nil
}

// acquire downloads the pinned toolchain by invoking the driver with
// GOTOOLCHAIN set; the go command fetches the requested version itself.
func (tc *Toolchain) acquire(ctx context.Context) error {
	if tc.PinnedVersion == "" {
		return fmt.Errorf("no pinned toolchain version to acquire")
	}
	bin := tc.GoBinary
	if bin == "" {
		bin = "go"
	}
	cmd := exec.CommandContext(ctx, bin, "version")
	cmd.Env = append(tc.env(), "GOTOOLCHAIN="+tc.PinnedVersion)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}

	tc.mu.Lock()
	tc.distList = nil
	tc.mu.Unlock()
	return nil
}

func (tc *Toolchain) env() []string {
	env := os.Environ()
	if tc.PinnedVersion != "" {
		env = append(env, "GOTOOLCHAIN="+tc.PinnedVersion)
	}
	return env
}
