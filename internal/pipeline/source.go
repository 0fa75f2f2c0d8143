package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Source resolves pipeline definitions by name.
type Source interface {
	Load(ctx context.Context, name string, vars map[string]string) (*Definition, error)
}

type DirSource struct {
	Dir string
}

var extensions = []string{".yml", ".yaml", ".hcl"}

func (s DirSource) Load(ctx context.Context, name string, vars map[string]string) (*Definition, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, errors.Errorf("Invalid pipeline name %q", name)
	}

	for _, ext := range extensions {
		path := filepath.Join(s.Dir, name+ext)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, "Failed to stat pipeline")
		}
		return LoadFile(path, vars)
	}

	return nil, errors.Errorf("Pipeline %s not found in %s", name, s.Dir)
}
