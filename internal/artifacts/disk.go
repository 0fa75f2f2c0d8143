package artifacts

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/pkg/errors"
)

const cacheTTL = 10 * time.Minute

type blob []byte

func (b blob) Size() int64 {
	return int64(len(b))
}

// DiskBackend keeps artifacts under Root/<run>/<job>/<name> and serves repeated
// reads from a size-bounded in-memory cache.
type DiskBackend struct {
	root  string
	cache *ccache.Cache
}

func NewDiskBackend(root string, cacheBytes int64) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "Failed to create artifacts dir")
	}
	if cacheBytes <= 0 {
		cacheBytes = 32 << 20
	}
	return &DiskBackend{
		root:  root,
		cache: ccache.New(ccache.Configure().MaxSize(cacheBytes)),
	}, nil
}

func (b *DiskBackend) Close() {
	b.cache.Stop()
}

func (b *DiskBackend) runDir(runID string) string {
	return filepath.Join(b.root, url.PathEscape(runID))
}

func (b *DiskBackend) path(runID string, key Key) string {
	return filepath.Join(b.runDir(runID), url.PathEscape(key.JobID), url.PathEscape(key.Name))
}

func cacheKey(runID string, key Key) string {
	return runID + "/" + key.JobID + "/" + key.Name
}

func (b *DiskBackend) Write(runID string, key Key, data []byte) error {
	path := b.path(runID, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *DiskBackend) Read(runID string, key Key) ([]byte, error) {
	item, err := b.cache.Fetch(cacheKey(runID, key), cacheTTL, func() (interface{}, error) {
		data, err := os.ReadFile(b.path(runID, key))
		if err != nil {
			return nil, err
		}
		return blob(data), nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{}, item.Value().(blob)...), nil
}

func (b *DiskBackend) Remove(runID string, key Key) error {
	b.cache.Delete(cacheKey(runID, key))
	err := os.Remove(b.path(runID, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *DiskBackend) RemoveRun(runID string) error {
	entries, err := os.ReadDir(b.runDir(runID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, job := range entries {
		files, err := os.ReadDir(filepath.Join(b.runDir(runID), job.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			jobID, _ := url.PathUnescape(job.Name())
			name, _ := url.PathUnescape(file.Name())
			b.cache.Delete(cacheKey(runID, Key{JobID: jobID, Name: name}))
		}
	}
	return os.RemoveAll(b.runDir(runID))
}
