package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a manifest from a .json, .yaml or .yml file.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes manifest bytes. ext selects JSON for ".json" and YAML for
// everything else.
func Parse(data []byte, ext string) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest validation failed: %w", err)
	}
	return m, nil
}
