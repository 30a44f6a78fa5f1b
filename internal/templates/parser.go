package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vikyol/awsideman/internal/core"
)

// Load reads and structurally validates a template file. The format is
// detected from the extension.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}

	var tpl Template
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, core.NewValidationError("file", "invalid YAML template: %v", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &tpl); err != nil {
			return nil, core.NewValidationError("file", "invalid JSON template: %v", err)
		}
	default:
		return nil, core.NewValidationError("file", "unsupported template format %q (expected .yaml, .yml, or .json)", filepath.Ext(path))
	}

	if errs := ValidateStructure(&tpl); len(errs) > 0 {
		return nil, &ValidationReport{File: path, Problems: errs}
	}
	return &tpl, nil
}

// ValidationReport aggregates every structural or semantic problem so the
// operator sees the full list in one pass.
type ValidationReport struct {
	File     string
	Problems []string
}

func (e *ValidationReport) Error() string {
	return fmt.Sprintf("%s: %d validation problems (first: %s)", e.File, len(e.Problems), e.Problems[0])
}
