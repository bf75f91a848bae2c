package modules

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"text/template"
)

// Builtins returns the builtin module set compiled into every runner.
func Builtins() []Module {
	return []Module{
		&CommandModule{},
		&FileModule{},
		&CopyModule{},
		&TemplateModule{},
		&DebugModule{},
	}
}

// argString fetches a string argument after alias normalization.
func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// CommandModule runs a shell command on the host.
type CommandModule struct{}

func (m *CommandModule) Name() string    { return "command" }
func (m *CommandModule) Version() string { return "1.0.0" }

func (m *CommandModule) RequiredParameters() []string { return []string{"cmd"} }

func (m *CommandModule) ParameterAliases() map[string]string {
	return map[string]string{"command": "cmd", "argv": "cmd"}
}

func (m *CommandModule) Validate(args map[string]interface{}) error {
	if missing := CheckRequired(m, args); len(missing) > 0 {
		return fmt.Errorf("command: missing required parameters %v", missing)
	}
	return nil
}

func (m *CommandModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	args = NormalizeArgs(m, args)
	cmdline, _ := argString(args, "cmd")
	if cmdline == "" {
		return nil, fmt.Errorf("command: cmd must be a non-empty string")
	}

	shell, _ := argString(args, "shell")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", cmdline)
	if dir, ok := argString(args, "chdir"); ok {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	rc := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		rc = exitErr.ExitCode()
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}

	res := &Result{
		Changed: true,
		Failed:  rc != 0,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		RC:      rc,
	}
	if res.Failed {
		res.Msg = fmt.Sprintf("command exited with rc=%d", rc)
	}
	return res, nil
}

// FileModule manages a path: present, absent, or directory.
type FileModule struct{}

func (m *FileModule) Name() string    { return "file" }
func (m *FileModule) Version() string { return "1.0.0" }

func (m *FileModule) RequiredParameters() []string { return []string{"path"} }

func (m *FileModule) ParameterAliases() map[string]string {
	return map[string]string{"dest": "path", "name": "path"}
}

func (m *FileModule) Validate(args map[string]interface{}) error {
	if missing := CheckRequired(m, args); len(missing) > 0 {
		return fmt.Errorf("file: missing required parameters %v", missing)
	}
	normalized := NormalizeArgs(m, args)
	switch state, _ := argString(normalized, "state"); state {
	case "", "touch", "directory", "absent":
		return nil
	default:
		return fmt.Errorf("file: unsupported state %q", state)
	}
}

func (m *FileModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	args = NormalizeArgs(m, args)
	path, _ := argString(args, "path")
	if path == "" {
		return nil, fmt.Errorf("file: path must be a non-empty string")
	}
	state, _ := argString(args, "state")
	if state == "" {
		state = "touch"
	}

	mode := os.FileMode(0644)
	if s, ok := argString(args, "mode"); ok {
		parsed, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("file: invalid mode %q: %w", s, err)
		}
		mode = os.FileMode(parsed)
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	switch state {
	case "absent":
		if !exists {
			return &Result{Changed: false, Msg: "already absent"}, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("file: remove: %w", err)
		}
		return &Result{Changed: true, Msg: "removed"}, nil

	case "directory":
		if err := os.MkdirAll(path, mode); err != nil {
			return nil, fmt.Errorf("file: mkdir: %w", err)
		}
		return &Result{Changed: !exists, Msg: "directory present"}, nil

	default: // touch
		if !exists {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, mode)
			if err != nil {
				return nil, fmt.Errorf("file: create: %w", err)
			}
			_ = f.Close()
		}
		return &Result{Changed: !exists, Msg: "file present"}, nil
	}
}

// CopyModule copies embedded or local content to a destination path.
type CopyModule struct{}

func (m *CopyModule) Name() string    { return "copy" }
func (m *CopyModule) Version() string { return "1.0.0" }

func (m *CopyModule) RequiredParameters() []string { return []string{"dest"} }

func (m *CopyModule) ParameterAliases() map[string]string {
	return map[string]string{"destination": "dest", "target": "dest"}
}

func (m *CopyModule) Validate(args map[string]interface{}) error {
	if missing := CheckRequired(m, args); len(missing) > 0 {
		return fmt.Errorf("copy: missing required parameters %v", missing)
	}
	normalized := NormalizeArgs(m, args)
	_, hasSrc := argString(normalized, "src")
	_, hasContent := argString(normalized, "content")
	if !hasSrc && !hasContent {
		return fmt.Errorf("copy: one of src or content is required")
	}
	return nil
}

func (m *CopyModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	args = NormalizeArgs(m, args)
	dest, _ := argString(args, "dest")
	if dest == "" {
		return nil, fmt.Errorf("copy: dest must be a non-empty string")
	}

	var content []byte
	if inline, ok := argString(args, "content"); ok {
		content = []byte(inline)
	} else if src, ok := argString(args, "src"); ok {
		// src may reference a static file the runner carries; the runtime
		// materializes those under its workdir before task execution.
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("copy: read source: %w", err)
		}
		content = data
	} else {
		return nil, fmt.Errorf("copy: one of src or content is required")
	}

	if prev, err := os.ReadFile(dest); err == nil && bytes.Equal(prev, content) {
		return &Result{Changed: false, Msg: "content already in place"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("copy: mkdir: %w", err)
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return nil, fmt.Errorf("copy: write: %w", err)
	}

	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("wrote %d bytes", len(content)),
		Results: map[string]interface{}{"bytes": len(content)},
	}, nil
}

// TemplateModule renders a text/template with the execution context's
// facts as data.
type TemplateModule struct{}

func (m *TemplateModule) Name() string    { return "template" }
func (m *TemplateModule) Version() string { return "1.0.0" }

func (m *TemplateModule) RequiredParameters() []string { return []string{"dest", "content"} }

func (m *TemplateModule) ParameterAliases() map[string]string {
	return map[string]string{"destination": "dest", "template": "content"}
}

func (m *TemplateModule) Validate(args map[string]interface{}) error {
	if missing := CheckRequired(m, args); len(missing) > 0 {
		return fmt.Errorf("template: missing required parameters %v", missing)
	}
	normalized := NormalizeArgs(m, args)
	content, _ := argString(normalized, "content")
	if _, err := template.New("validate").Parse(content); err != nil {
		return fmt.Errorf("template: parse: %w", err)
	}
	return nil
}

func (m *TemplateModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	args = NormalizeArgs(m, args)
	dest, _ := argString(args, "dest")
	content, _ := argString(args, "content")

	tmpl, err := template.New(filepath.Base(dest)).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("template: parse: %w", err)
	}

	var rendered bytes.Buffer
	data := map[string]interface{}{"facts": ec.Facts}
	if err := tmpl.Execute(&rendered, data); err != nil {
		return nil, fmt.Errorf("template: render: %w", err)
	}

	if prev, err := os.ReadFile(dest); err == nil && bytes.Equal(prev, rendered.Bytes()) {
		return &Result{Changed: false, Msg: "rendered content already in place"}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("template: mkdir: %w", err)
	}
	if err := os.WriteFile(dest, rendered.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("template: write: %w", err)
	}

	return &Result{Changed: true, Msg: fmt.Sprintf("rendered %d bytes", rendered.Len())}, nil
}

// DebugModule prints a message or a fact; it never changes host state.
type DebugModule struct{}

func (m *DebugModule) Name() string    { return "debug" }
func (m *DebugModule) Version() string { return "1.0.0" }

func (m *DebugModule) RequiredParameters() []string { return nil }

func (m *DebugModule) ParameterAliases() map[string]string {
	return map[string]string{"message": "msg"}
}

func (m *DebugModule) Validate(args map[string]interface{}) error {
	normalized := NormalizeArgs(m, args)
	_, hasMsg := argString(normalized, "msg")
	_, hasVar := argString(normalized, "var")
	if !hasMsg && !hasVar {
		return fmt.Errorf("debug: one of msg or var is required")
	}
	return nil
}

func (m *DebugModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	args = NormalizeArgs(m, args)

	var out string
	if msg, ok := argString(args, "msg"); ok {
		out = msg
	} else if name, ok := argString(args, "var"); ok {
		out = fmt.Sprintf("%s=%v", name, ec.Facts[name])
	}

	if ec.Verbose {
		fmt.Fprintln(os.Stderr, out)
	}
	return &Result{Changed: false, Msg: out}, nil
}
