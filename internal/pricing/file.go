package pricing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a pricing table from a YAML or TOML file, chosen by extension.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var t Table
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &t)
	case ".toml":
		err = toml.Unmarshal(data, &t)
	default:
		return nil, fmt.Errorf("unsupported pricing file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return &t, nil
}

// Load returns the table from path, or the built-in table when path is empty.
// defaultModel, when set, overrides the table's default.
func Load(path, defaultModel string) (*Table, error) {
	t := DefaultTable()
	if path != "" {
		var err error
		if t, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if defaultModel != "" {
		t.DefaultModel = defaultModel
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return t, nil
}
