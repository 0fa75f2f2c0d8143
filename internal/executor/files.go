package executor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bigredeye/deploygate/pkg/targz"
)

const inputsDir = "inputs"

// materializeInputs copies published artifacts of declared producers into
// <workdir>/inputs/<producer>/<name>. Directory archives are also unpacked
// next to the archive, without the extension.
func materializeInputs(inv *Invocation) (string, error) {
	root := filepath.Join(inv.WorkDir, inputsDir)
	if inv.Artifacts == nil {
		return root, nil
	}

	for producer, names := range inv.Artifacts.Inputs() {
		for _, name := range names {
			data, err := inv.Artifacts.Get(producer, name)
			if err != nil {
				return "", err
			}
			path, err := within(filepath.Join(root, producer), name)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", errors.Wrap(err, "Failed to create inputs directory")
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return "", errors.Wrapf(err, "Failed to write input %s/%s", producer, name)
			}
			if strings.HasSuffix(name, targz.Extension) {
				dir := strings.TrimSuffix(path, targz.Extension)
				if err := targz.ExtractToDir(bytes.NewReader(data), dir); err != nil {
					return "", errors.Wrapf(err, "Failed to unpack input %s/%s", producer, name)
				}
			}
		}
	}
	return root, nil
}

// collectOutputs stores the declared files of the work directory as artifacts.
// A declared directory is stored as <name>.tar.gz.
func collectOutputs(inv *Invocation, names []string) error {
	for _, name := range names {
		path, err := within(inv.WorkDir, name)
		if err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "Declared artifact %s was not produced", name)
		}

		artifact := filepath.ToSlash(filepath.Clean(name))
		var data []byte
		if info.IsDir() {
			archive := bytes.Buffer{}
			if err := targz.Pack(path, &archive); err != nil {
				return errors.Wrapf(err, "Failed to pack directory %s", name)
			}
			artifact += targz.Extension
			data = archive.Bytes()
		} else if data, err = os.ReadFile(path); err != nil {
			return errors.Wrapf(err, "Failed to read artifact %s", name)
		}

		if err := inv.Artifacts.Put(artifact, data); err != nil {
			return err
		}
	}
	return nil
}

func within(root, name string) (string, error) {
	path := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("Artifact path %q escapes the work directory", name)
	}
	return path, nil
}
