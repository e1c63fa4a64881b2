package coursework

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/taskforge/internal/grading"
)

// LoadTemplateFile reads a template definition from a .yaml/.yml, .toml or
// .json file and applies defaults. The scripts are not validated.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file: %w", err)
	}
	t, err := ParseTemplate(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return t, nil
}

// ParseTemplate decodes a template in the format named by ext. Grading
// fields the file leaves out take the defaults; the ones it sets, including
// a tolerance of 0, are kept.
func ParseTemplate(data []byte, ext string) (*Template, error) {
	t := Template{Grading: grading.DefaultConfig()}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &t); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported template format %q", ext)
	}
	t.ApplyDefaults()
	return &t, nil
}
