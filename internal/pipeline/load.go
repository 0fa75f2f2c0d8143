package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	FormatYAML = "yaml"
	FormatHCL  = "hcl"
)

// FormatOf guesses the definition format from a file name.
func FormatOf(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML, true
	case ".hcl":
		return FormatHCL, true
	default:
		return "", false
	}
}

// Parse decodes and checks a definition. vars are only used by the HCL format,
// where they override variable defaults.
func Parse(name, format string, data []byte, vars map[string]string) (*Definition, error) {
	var def *Definition
	var err error

	switch format {
	case FormatYAML:
		def, err = parseYAML(name, data)
	case FormatHCL:
		def, err = parseHCL(name, data, vars)
	default:
		return nil, errors.Errorf("Unknown pipeline format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if err := def.Check(); err != nil {
		return nil, errors.Wrapf(err, "Invalid pipeline %s", def.Name)
	}
	return def, nil
}

func LoadFile(path string, vars map[string]string) (*Definition, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, errors.Errorf("Unsupported pipeline file %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read pipeline")
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(name, format, data, vars)
}
