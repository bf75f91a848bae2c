package main

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestValidateArgsRequiresName(t *testing.T) {
	if err := validateArgs(map[string]interface{}{}); err == nil {
		t.Fatal("Expected error for missing name")
	}
	if err := validateArgs(map[string]interface{}{"name": "curl"}); err != nil {
		t.Fatalf("Expected valid args, got: %v", err)
	}
}

func TestValidateArgsRejectsShellMetacharacters(t *testing.T) {
	for _, name := range []string{"curl; rm -rf /", "a b", "x|y", "$(id)"} {
		if err := validateArgs(map[string]interface{}{"name": name}); err == nil {
			t.Fatalf("Expected rejection of name %q", name)
		}
	}
}

func TestValidateArgsRejectsBadState(t *testing.T) {
	err := validateArgs(map[string]interface{}{"name": "curl", "state": "installed"})
	if err == nil {
		t.Fatal("Expected error for unknown state")
	}
}

func TestValidateArgsRejectsVersionWithAbsent(t *testing.T) {
	err := validateArgs(map[string]interface{}{"name": "curl", "state": "absent", "version": "8.0"})
	if err == nil {
		t.Fatal("Expected error for version with state absent")
	}
}

func TestResolveManagerPrecedence(t *testing.T) {
	facts := map[string]interface{}{"package_manager": "dnf", "os_family": "debian"}

	m, err := resolveManager(map[string]interface{}{"manager": "zypper"}, facts)
	if err != nil || m != "zypper" {
		t.Fatalf("Expected explicit manager to win, got: %s, %v", m, err)
	}

	m, err = resolveManager(map[string]interface{}{}, facts)
	if err != nil || m != "dnf" {
		t.Fatalf("Expected package_manager fact, got: %s, %v", m, err)
	}

	m, err = resolveManager(map[string]interface{}{}, map[string]interface{}{"os_family": "Ubuntu"})
	if err != nil || m != "apt" {
		t.Fatalf("Expected os_family mapping, got: %s, %v", m, err)
	}

	if _, err := resolveManager(map[string]interface{}{}, map[string]interface{}{}); err == nil {
		t.Fatal("Expected error with no manager information")
	}
}

func TestPlanCommand(t *testing.T) {
	tests := []struct {
		manager, name, state, version string
		want                          []string
	}{
		{"apt", "curl", "present", "", []string{"apt-get", "install", "-y", "curl"}},
		{"apt", "curl", "present", "8.5.0", []string{"apt-get", "install", "-y", "curl=8.5.0"}},
		{"apt", "curl", "absent", "", []string{"apt-get", "remove", "-y", "curl"}},
		{"apt", "curl", "latest", "", []string{"apt-get", "install", "-y", "--only-upgrade", "curl"}},
		{"dnf", "git", "present", "2.44", []string{"dnf", "install", "-y", "git-2.44"}},
		{"yum", "git", "absent", "", []string{"yum", "remove", "-y", "git"}},
		{"zypper", "vim", "present", "", []string{"zypper", "--non-interactive", "install", "vim"}},
		{"zypper", "vim", "latest", "", []string{"zypper", "--non-interactive", "update", "vim"}},
	}
	for _, tt := range tests {
		got := planCommand(tt.manager, tt.name, tt.state, tt.version)
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("planCommand(%s, %s, %s, %s) = %v, want %v",
				tt.manager, tt.name, tt.state, tt.version, got, tt.want)
		}
	}
}

func TestExecuteProducesCommand(t *testing.T) {
	input, _ := json.Marshal(request{
		Args:  map[string]interface{}{"name": "nginx", "state": "present"},
		Facts: map[string]interface{}{"os_family": "debian"},
	})

	var res result
	if err := json.Unmarshal(execute(input), &res); err != nil {
		t.Fatalf("Expected valid result JSON, got: %v", err)
	}
	if res.Failed {
		t.Fatalf("Expected success, got failure: %s", res.Msg)
	}
	if !res.Changed {
		t.Fatal("Expected changed result")
	}
	if res.Results["manager"] != "apt" {
		t.Fatalf("Expected apt manager, got: %v", res.Results["manager"])
	}
}

func TestExecuteFailsWithoutManagerInfo(t *testing.T) {
	input, _ := json.Marshal(request{
		Args:  map[string]interface{}{"name": "nginx"},
		Facts: map[string]interface{}{},
	})

	var res result
	if err := json.Unmarshal(execute(input), &res); err != nil {
		t.Fatalf("Expected valid result JSON, got: %v", err)
	}
	if !res.Failed {
		t.Fatal("Expected failure with no manager information")
	}
}

func TestValidateResponseShape(t *testing.T) {
	var resp map[string]string
	if err := json.Unmarshal(validate([]byte(`{"name":""}`)), &resp); err != nil {
		t.Fatalf("Expected valid response JSON, got: %v", err)
	}
	if resp["error"] == "" {
		t.Fatal("Expected an error for empty name")
	}

	out := validate([]byte(`{"name":"curl","state":"latest"}`))
	if string(out) != "{}" {
		t.Fatalf("Expected empty object for valid args, got: %s", out)
	}
}
