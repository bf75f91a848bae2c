package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads an execution plan document from disk. The document is already
// structured (JSON or YAML, selected by extension); no playbook parsing
// happens here.
func Load(path string) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan document: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Parse(data, FormatYAML)
	default:
		return Parse(data, FormatJSON)
	}
}

// Format selects the document encoding.
type Format int

const (
	// FormatJSON parses the document as JSON.
	FormatJSON Format = iota
	// FormatYAML parses the document as YAML.
	FormatYAML
)

// Parse decodes and field-validates a plan document. Structural invariants
// (unique ids, acyclic dependencies) are checked by Validate, not here.
func Parse(data []byte, format Format) (*ExecutionPlan, error) {
	var p ExecutionPlan

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, NewPlanError(fmt.Sprintf("malformed YAML document: %v", err))
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, NewPlanError(fmt.Sprintf("malformed JSON document: %v", err))
		}
	}

	if err := validate.Struct(&p); err != nil {
		return nil, NewPlanError(fmt.Sprintf("document failed field validation: %v", err))
	}

	return &p, nil
}
