package targz

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const Extension = ".tar.gz"

type Visitor interface {
	VisitDirectory(name string, info fs.FileInfo) error
	VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error)
}

func Extract(input io.Reader, visitor Visitor) error {
	gzipReader, err := gzip.NewReader(input)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		info := header.FileInfo()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := visitor.VisitDirectory(header.Name, info); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := copyFile(tarReader, header.Name, info, visitor); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported entry %s of type %c", header.Name, header.Typeflag)
		}
	}

	return nil
}

func copyFile(input io.Reader, name string, info fs.FileInfo, visitor Visitor) error {
	writer, err := visitor.VisitFile(name, info)
	if err != nil {
		return err
	}

	written, err := io.Copy(writer, input)
	if err != nil {
		writer.Close()
		return err
	}
	if written < info.Size() {
		writer.Close()
		return fmt.Errorf("failed to write %d bytes of %s", info.Size(), name)
	}

	return writer.Close()
}

type fsVisitor struct {
	root string
}

func (v *fsVisitor) resolve(name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" {
		return v.root, nil
	}
	resolved := filepath.Join(v.root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	if rel, err := filepath.Rel(v.root, resolved); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("entry %s escapes %s", name, v.root)
	}
	return resolved, nil
}

func (v *fsVisitor) VisitDirectory(name string, info fs.FileInfo) error {
	dir, err := v.resolve(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, info.Mode().Perm()|0o700)
}

func (v *fsVisitor) VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error) {
	file, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|0o600)
}

// ExtractToDir unpacks the archive under path. Entries may not leave path.
func ExtractToDir(input io.Reader, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return Extract(input, &fsVisitor{root: path})
}

// Pack writes the regular files and directories under dir as a gzipped tarball
// with paths relative to dir.
func Pack(dir string, output io.Writer) error {
	gzipWriter := gzip.NewWriter(output)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.WalkDir(dir, func(file string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil || rel == "." {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tarWriter, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}
