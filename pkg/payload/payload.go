// Package payload serializes the data a generated plan runner carries
// embedded in its binary: the task subset for one compilation unit, the
// runtime configuration, and any static files the tasks reference.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/planforge/planforge/pkg/plan"
)

// RuntimeConfig is baked into every generated runner and controls its
// execution behavior on the target host.
type RuntimeConfig struct {
	ControllerEndpoint  string        `json:"controller_endpoint,omitempty"`
	ExecutionTimeout    time.Duration `json:"execution_timeout,omitempty"`
	ReportInterval      time.Duration `json:"report_interval,omitempty"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval,omitempty"`
	MaxRetries          int           `json:"max_retries,omitempty"`
	CleanupOnCompletion bool          `json:"cleanup_on_completion"`
	LogLevel            string        `json:"log_level,omitempty"`
	Verbose             bool          `json:"verbose,omitempty"`
}

// DefaultRuntimeConfig returns the configuration used when a plan does not
// override runner behavior.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ExecutionTimeout:    30 * time.Minute,
		ReportInterval:      10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxRetries:          3,
		CleanupOnCompletion: true,
		LogLevel:            "info",
	}
}

// File is one static file embedded alongside the plan, addressed by the
// path tasks use to reference it.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// Payload is everything a generated runner needs at execution time.
type Payload struct {
	Plan    *plan.ExecutionPlan `json:"plan"`
	Config  RuntimeConfig       `json:"config"`
	Files   []File              `json:"files,omitempty"`
	Modules []string            `json:"modules"`
}

// Embedder assembles payloads with byte-identical output for identical
// input, so payload bytes can participate in cache fingerprints.
type Embedder struct {
	config RuntimeConfig
	files  map[string]File
}

// NewEmbedder creates an Embedder with the given runtime configuration.
func NewEmbedder(config RuntimeConfig) *Embedder {
	return &Embedder{
		config: config,
		files:  make(map[string]File),
	}
}

// AddFile registers a static file for embedding. Re-adding a path replaces
// the earlier content.
func (e *Embedder) AddFile(path string, content []byte, mode uint32) {
	e.files[path] = File{Path: path, Content: content, Mode: mode}
}

// Embed serializes the plan subset and registered files into canonical
// payload bytes. Map-backed data is emitted in sorted key order and the
// encoder does not escape HTML, so identical input always yields identical
// bytes.
func (e *Embedder) Embed(p *plan.ExecutionPlan) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot embed a nil plan")
	}

	paths := make([]string, 0, len(e.files))
	for path := range e.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, path := range paths {
		files = append(files, e.files[path])
	}

	payload := Payload{
		Plan:    p,
		Config:  e.config,
		Files:   files,
		Modules: p.ModuleNames(),
	}
	return Marshal(&payload)
}

// Marshal encodes a payload canonically. encoding/json already sorts map
// keys; disabling HTML escaping and trimming the trailing newline keeps the
// bytes stable and minimal.
func Marshal(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes payload bytes produced by Marshal. Generated runners
// use this to recover their embedded plan at startup.
func Unmarshal(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Plan == nil {
		return nil, fmt.Errorf("payload has no plan")
	}
	return &p, nil
}

// Checksum returns the hex sha256 of payload bytes. The same digest is what
// remote verification compares after transfer.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
