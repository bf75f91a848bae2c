package modules

import (
	"strings"
	"testing"

	"github.com/planforge/planforge/pkg/errdefs"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	for _, m := range Builtins() {
		if err := reg.Register(m); err != nil {
			t.Fatalf("Failed to register %s: %v", m.Name(), err)
		}
	}

	m, ok := reg.Get("command")
	if !ok {
		t.Fatal("Expected command module to be registered")
	}
	if m.Name() != "command" {
		t.Fatalf("Expected module name command, got: %s", m.Name())
	}

	if _, ok := reg.Get("nonexistent"); ok {
		t.Fatal("Expected lookup of unknown module to fail")
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewBuiltinRegistry()
	err := reg.Register(&CommandModule{})
	if err == nil {
		t.Fatal("Expected duplicate registration to fail")
	}
	if !strings.Contains(err.Error(), "command") {
		t.Fatalf("Expected error to name the module, got: %v", err)
	}
}

func TestRegistryResolveMissing(t *testing.T) {
	reg := NewBuiltinRegistry()

	mods, err := reg.Resolve([]string{"command", "file"})
	if err != nil {
		t.Fatalf("Failed to resolve builtin modules: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("Expected 2 resolved modules, got: %d", len(mods))
	}

	_, err = reg.Resolve([]string{"command", "zfs_pool", "apt_repo"})
	if err == nil {
		t.Fatal("Expected resolve with unknown modules to fail")
	}
	if !errdefs.IsPermanent(err) {
		t.Fatalf("Expected a permanent error, got: %v", err)
	}
	// Every missing name must be reported, not just the first.
	if !strings.Contains(err.Error(), "apt_repo") || !strings.Contains(err.Error(), "zfs_pool") {
		t.Fatalf("Expected error to enumerate all missing modules, got: %v", err)
	}
}

func TestNormalizeArgsAliases(t *testing.T) {
	m := &CommandModule{}
	args := NormalizeArgs(m, map[string]interface{}{
		"command": "echo hi",
		"chdir":   "/tmp",
	})
	if args["cmd"] != "echo hi" {
		t.Fatalf("Expected command alias to map to cmd, got: %v", args["cmd"])
	}
	if _, ok := args["command"]; ok {
		t.Fatal("Expected alias key to be removed after normalization")
	}
	if args["chdir"] != "/tmp" {
		t.Fatalf("Expected non-alias key to pass through, got: %v", args["chdir"])
	}
}

func TestCheckRequired(t *testing.T) {
	m := &CopyModule{}
	missing := CheckRequired(m, map[string]interface{}{"src": "/etc/hosts"})
	if len(missing) != 1 || missing[0] != "dest" {
		t.Fatalf("Expected [dest] missing, got: %v", missing)
	}

	if missing := CheckRequired(m, map[string]interface{}{"src": "a", "dest": "b"}); len(missing) != 0 {
		t.Fatalf("Expected complete args to validate, got missing: %v", missing)
	}
}
