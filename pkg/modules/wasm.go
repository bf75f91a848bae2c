package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMModule adapts an externally-supplied WebAssembly binary to the Module
// interface. The guest exports malloc/free plus module_execute and
// module_validate, both with signature fn(ptr: u32, len: u32) -> u64 where
// the return packs (output_ptr << 32) | output_len and payloads are JSON.
type WASMModule struct {
	name     string
	version  string
	manifest WASMManifest
	wasm     []byte

	runtime  wazero.Runtime
	instance api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	execute  api.Function
	validate api.Function

	requiredParams []string
	paramAliases   map[string]string
	timeout        time.Duration
}

// WASMPayloadDir is the payload path prefix WASM modules and their
// manifests are embedded under.
const WASMPayloadDir = ".planforge/modules"

// WASMManifest declares a WASM module's identity and parameter contract.
// It sits next to the .wasm binary as a JSON file.
type WASMManifest struct {
	Name               string            `json:"name" validate:"required"`
	Version            string            `json:"version" validate:"required"`
	RequiredParameters []string          `json:"required_parameters,omitempty"`
	ParameterAliases   map[string]string `json:"parameter_aliases,omitempty"`
}

// LoadWASMModule compiles and instantiates a WASM module binary.
func LoadWASMModule(ctx context.Context, manifest *WASMManifest, wasmBytes []byte, timeout time.Duration) (*WASMModule, error) {
	if manifest.Name == "" {
		return nil, fmt.Errorf("wasm module manifest has no name")
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(256). // 16MB
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	instance, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module %s: %w", manifest.Name, err)
	}

	m := &WASMModule{
		name:           manifest.Name,
		version:        manifest.Version,
		manifest:       *manifest,
		wasm:           wasmBytes,
		runtime:        runtime,
		instance:       instance,
		memory:         instance.Memory(),
		requiredParams: manifest.RequiredParameters,
		paramAliases:   manifest.ParameterAliases,
		timeout:        timeout,
	}
	if m.paramAliases == nil {
		m.paramAliases = map[string]string{}
	}

	if m.memory == nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("WASM module %s does not export memory", manifest.Name)
	}
	for _, export := range []struct {
		name string
		dst  *api.Function
	}{
		{"malloc", &m.malloc},
		{"free", &m.free},
		{"module_execute", &m.execute},
		{"module_validate", &m.validate},
	} {
		fn := instance.ExportedFunction(export.name)
		if fn == nil {
			_ = runtime.Close(ctx)
			return nil, fmt.Errorf("WASM module %s does not export %s", manifest.Name, export.name)
		}
		*export.dst = fn
	}

	return m, nil
}

// LoadWASMModuleFromFiles reads a manifest and binary from disk.
func LoadWASMModuleFromFiles(ctx context.Context, manifestPath, wasmPath string, timeout time.Duration) (*WASMModule, error) {
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm manifest: %w", err)
	}
	var manifest WASMManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("malformed wasm manifest: %w", err)
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm binary: %w", err)
	}
	return LoadWASMModule(ctx, &manifest, wasmBytes, timeout)
}

// Close releases the WASM runtime.
func (m *WASMModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func (m *WASMModule) Name() string    { return m.name }
func (m *WASMModule) Version() string { return m.version }

// Manifest returns the module's parameter contract, for callers that embed
// the module elsewhere.
func (m *WASMModule) Manifest() WASMManifest { return m.manifest }

// Binary returns the module's WASM bytes.
func (m *WASMModule) Binary() []byte { return m.wasm }

func (m *WASMModule) RequiredParameters() []string { return m.requiredParams }

func (m *WASMModule) ParameterAliases() map[string]string { return m.paramAliases }

// Validate calls the guest's module_validate with the arguments as JSON.
func (m *WASMModule) Validate(args map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	input, err := json.Marshal(NormalizeArgs(m, args))
	if err != nil {
		return fmt.Errorf("wasm %s: marshal args: %w", m.name, err)
	}

	out, err := m.call(ctx, m.validate, input)
	if err != nil {
		return fmt.Errorf("wasm %s: module_validate: %w", m.name, err)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err == nil && resp.Error != "" {
		return fmt.Errorf("wasm %s: %s", m.name, resp.Error)
	}
	return nil
}

// Execute calls the guest's module_execute and decodes the Result.
func (m *WASMModule) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := struct {
		Args  map[string]interface{} `json:"args"`
		Facts map[string]interface{} `json:"facts"`
	}{
		Args:  NormalizeArgs(m, args),
		Facts: ec.Facts,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wasm %s: marshal request: %w", m.name, err)
	}

	out, err := m.call(ctx, m.execute, input)
	if err != nil {
		return nil, fmt.Errorf("wasm %s: module_execute: %w", m.name, err)
	}

	var result Result
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("wasm %s: malformed result: %w", m.name, err)
	}
	return &result, nil
}

// call writes input into guest memory, invokes fn, and reads the packed
// (ptr << 32 | len) result back out.
func (m *WASMModule) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		results, err := m.malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("guest malloc failed: %w", err)
		}
		inputPtr = uint32(results[0])
		inputLen = uint32(len(input))
		defer func() { _, _ = m.free.Call(ctx, uint64(inputPtr)) }()

		if !m.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to guest memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("guest call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("guest returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := m.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from guest memory")
	}
	out := append([]byte(nil), output...)
	_, _ = m.free.Call(ctx, uint64(outputPtr))
	return out, nil
}
