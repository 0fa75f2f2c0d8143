package artifacts

import (
	"fmt"
	"sync"
)

type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string]map[Key][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string]map[Key][]byte)}
}

func (b *MemoryBackend) Write(runID string, key Key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, found := b.blobs[runID]
	if !found {
		run = make(map[Key][]byte)
		b.blobs[runID] = run
	}
	run[key] = append([]byte{}, data...)
	return nil
}

func (b *MemoryBackend) Read(runID string, key Key) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, found := b.blobs[runID][key]
	if !found {
		return nil, fmt.Errorf("no blob for %s/%s", key.JobID, key.Name)
	}
	return append([]byte{}, data...), nil
}

func (b *MemoryBackend) Remove(runID string, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.blobs[runID], key)
	return nil
}

func (b *MemoryBackend) RemoveRun(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.blobs, runID)
	return nil
}
