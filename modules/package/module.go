// Package main implements the "package" task module for planforge runners.
// It manages Linux packages across apt, dnf, yum, and zypper, and compiles
// to WASM so runners can carry it without linking it in. The guest does the
// pure work only: argument validation, package manager selection from host
// facts, and command synthesis. The host executes the returned command.
//
// Build the guest and drop the pair into the modules directory:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o package.wasm .
//	cp package.wasm package.json ~/.planforge/modules/
package main

//go:generate env GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o package.wasm .

import (
	"encoding/json"
	"fmt"
	"strings"
)

// request is the execute payload the host sends: task arguments plus the
// facts accumulated so far.
type request struct {
	Args  map[string]interface{} `json:"args"`
	Facts map[string]interface{} `json:"facts"`
}

// result mirrors the runner's task result shape.
type result struct {
	Changed bool                   `json:"changed"`
	Failed  bool                   `json:"failed"`
	Msg     string                 `json:"msg,omitempty"`
	RC      int                    `json:"rc"`
	Results map[string]interface{} `json:"results,omitempty"`
}

var validManagers = map[string]bool{
	"apt":    true,
	"dnf":    true,
	"yum":    true,
	"zypper": true,
}

var validStates = map[string]bool{
	"present": true,
	"absent":  true,
	"latest":  true,
}

// managerForFamily maps an os_family fact to its default package manager.
var managerForFamily = map[string]string{
	"debian": "apt",
	"ubuntu": "apt",
	"rhel":   "dnf",
	"fedora": "dnf",
	"centos": "yum",
	"suse":   "zypper",
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// validateArgs checks the argument contract before execution.
func validateArgs(args map[string]interface{}) error {
	name := stringArg(args, "name")
	if name == "" {
		return fmt.Errorf("package: 'name' is required")
	}
	if strings.ContainsAny(name, " \t\n;|&$`") {
		return fmt.Errorf("package: invalid package name %q", name)
	}
	if state := stringArg(args, "state"); state != "" && !validStates[state] {
		return fmt.Errorf("package: invalid state %q (present, absent, latest)", state)
	}
	if manager := stringArg(args, "manager"); manager != "" && !validManagers[manager] {
		return fmt.Errorf("package: invalid manager %q (apt, dnf, yum, zypper)", manager)
	}
	if version := stringArg(args, "version"); version != "" && stringArg(args, "state") == "absent" {
		return fmt.Errorf("package: 'version' cannot be combined with state absent")
	}
	return nil
}

// resolveManager picks the package manager: an explicit argument wins, then
// the host's package_manager fact, then the os_family mapping.
func resolveManager(args map[string]interface{}, facts map[string]interface{}) (string, error) {
	if m := stringArg(args, "manager"); m != "" {
		return m, nil
	}
	if m, ok := facts["package_manager"].(string); ok && validManagers[m] {
		return m, nil
	}
	if family, ok := facts["os_family"].(string); ok {
		if m, ok := managerForFamily[strings.ToLower(family)]; ok {
			return m, nil
		}
	}
	return "", fmt.Errorf("package: cannot determine package manager; set 'manager' or provide os_family facts")
}

// planCommand synthesizes the package manager invocation for the desired
// state. Version pinning syntax differs per manager.
func planCommand(manager, name, state, version string) []string {
	target := name
	switch state {
	case "absent":
		switch manager {
		case "apt":
			return []string{"apt-get", "remove", "-y", target}
		case "zypper":
			return []string{"zypper", "--non-interactive", "remove", target}
		default:
			return []string{manager, "remove", "-y", target}
		}
	case "latest":
		switch manager {
		case "apt":
			return []string{"apt-get", "install", "-y", "--only-upgrade", target}
		case "zypper":
			return []string{"zypper", "--non-interactive", "update", target}
		default:
			return []string{manager, "upgrade", "-y", target}
		}
	default: // present
		if version != "" {
			switch manager {
			case "apt":
				target = name + "=" + version
			case "zypper":
				target = name + "=" + version
			default:
				target = name + "-" + version
			}
		}
		if manager == "apt" {
			return []string{"apt-get", "install", "-y", target}
		}
		if manager == "zypper" {
			return []string{"zypper", "--non-interactive", "install", target}
		}
		return []string{manager, "install", "-y", target}
	}
}

// execute handles a module_execute payload and returns the result JSON.
func execute(input []byte) []byte {
	var req request
	if err := json.Unmarshal(input, &req); err != nil {
		return failResult(fmt.Sprintf("package: malformed request: %v", err))
	}
	if err := validateArgs(req.Args); err != nil {
		return failResult(err.Error())
	}

	manager, err := resolveManager(req.Args, req.Facts)
	if err != nil {
		return failResult(err.Error())
	}

	name := stringArg(req.Args, "name")
	state := stringArg(req.Args, "state")
	if state == "" {
		state = "present"
	}
	command := planCommand(manager, name, state, stringArg(req.Args, "version"))

	out, _ := json.Marshal(result{
		Changed: true,
		Msg:     fmt.Sprintf("package %s: %s via %s", name, state, manager),
		Results: map[string]interface{}{
			"package": name,
			"state":   state,
			"manager": manager,
			"command": command,
		},
	})
	return out
}

// validate handles a module_validate payload. The host sends the bare
// argument map and expects {"error": "..."} on rejection.
func validate(input []byte) []byte {
	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return errorResponse(fmt.Sprintf("package: malformed args: %v", err))
	}
	if err := validateArgs(args); err != nil {
		return errorResponse(err.Error())
	}
	return []byte("{}")
}

func failResult(msg string) []byte {
	out, _ := json.Marshal(result{Failed: true, Msg: msg, RC: 1})
	return out
}

func errorResponse(msg string) []byte {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}

func main() {}
