package codegen

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"
)

// Rendered file names within a generated source tree.
const (
	FileGoMod    = "go.mod"
	FileMain     = "main.go"
	FileRegistry = "registry.go"
	FilePayload  = "payload.bin"
)

var goModTemplate = template.Must(template.New("go.mod").Parse(`module {{.ModulePath}}

go {{.GoVersion}}

require {{.CorePath}} v0.0.0

replace {{.CorePath}} => {{.CoreDir}}
`))

var mainTemplate = template.Must(template.New("main.go").Parse(`package main

import (
	_ "embed"
	"os"

	planruntime "{{.CorePath}}/pkg/runtime"
)

//go:embed payload.bin
var payloadData []byte

func main() {
	os.Exit(planruntime.Main(payloadData, newRegistry()))
}
`))

var registryTemplate = template.Must(template.New("registry.go").Parse(`package main

import (
	"{{.CorePath}}/pkg/modules"
)

func newRegistry() *modules.Registry {
	r := modules.NewRegistry()
	for _, m := range []modules.Module{
{{- range .Modules}}
		{{.Constructor}},
{{- end}}
	} {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}
`))

// Render produces the generated source tree as a path to content map. It
// is a pure function of the Program: identical IR always renders to
// byte-identical files.
func Render(p *Program) (map[string][]byte, error) {
	files := make(map[string][]byte, 4)

	for name, tmpl := range map[string]*template.Template{
		FileGoMod:    goModTemplate,
		FileMain:     mainTemplate,
		FileRegistry: registryTemplate,
	} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", name, err)
		}
		files[name] = buf.Bytes()
	}
	files[FilePayload] = p.Payload
	return files, nil
}

// WriteTree renders the program and writes the files under dir.
func WriteTree(p *Program, dir string) error {
	files, err := Render(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create source directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), files[name], 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
