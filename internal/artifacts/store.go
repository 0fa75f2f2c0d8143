package artifacts

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	lf "github.com/bigredeye/deploygate/internal/logfield"
)

type Key struct {
	JobID string
	Name  string
}

type Artifact struct {
	RunID     string
	JobID     string
	Name      string
	Data      []byte
	CreatedAt time.Time
}

type Meta struct {
	JobID     string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Backend keeps artifact bytes. Visibility rules live in Store.
type Backend interface {
	Write(runID string, key Key, data []byte) error
	Read(runID string, key Key) ([]byte, error)
	Remove(runID string, key Key) error
	RemoveRun(runID string) error
}

type entry struct {
	meta      Meta
	published bool
}

// Store hands artifacts from producers to consumers within a pipeline run.
// Artifacts are write-once and stay invisible until the producing job is
// published, i.e. reached Succeeded.
type Store struct {
	mu      sync.Mutex
	runs    map[string]map[Key]*entry
	backend Backend
	maxSize int64
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Store)

// WithMaxSize limits the size of a single artifact. Zero disables the limit.
func WithMaxSize(size int64) Option {
	return func(s *Store) {
		s.maxSize = size
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(backend Backend, options ...Option) *Store {
	s := &Store{
		runs:    make(map[string]map[Key]*entry),
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func NewMemoryStore(options ...Option) *Store {
	return NewStore(NewMemoryBackend(), options...)
}

func checkName(kind, name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

func (s *Store) Put(runID, jobID, name string, data []byte) error {
	if err := checkName("job", jobID); err != nil {
		return err
	}
	if err := checkName("artifact", name); err != nil {
		return err
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return errors.Errorf("artifact %s of job %s is too large: %s > %s",
			name, jobID, units.HumanSize(float64(len(data))), units.HumanSize(float64(s.maxSize)))
	}

	key := Key{JobID: jobID, Name: name}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, found := s.runs[runID]
	if !found {
		run = make(map[Key]*entry)
		s.runs[runID] = run
	}
	if _, found := run[key]; found {
		return &DuplicateArtifactError{JobID: jobID, Name: name}
	}

	if err := s.backend.Write(runID, key, data); err != nil {
		return errors.Wrap(err, "Failed to write artifact")
	}

	run[key] = &entry{
		meta: Meta{
			JobID:     jobID,
			Name:      name,
			Size:      int64(len(data)),
			CreatedAt: s.now(),
		},
	}

	s.logger.Debug("Stored artifact",
		lf.RunID(runID),
		lf.JobID(jobID),
		lf.ArtifactName(name),
		zap.String("size", units.HumanSize(float64(len(data)))),
	)
	return nil
}

// Publish makes every artifact of the job visible to consumers.
func (s *Store) Publish(runID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.runs[runID] {
		if key.JobID == jobID {
			entry.published = true
		}
	}
	return nil
}

// Discard drops unpublished artifacts of a job that did not succeed.
func (s *Store) Discard(runID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.runs[runID]
	for key, entry := range run {
		if key.JobID != jobID || entry.published {
			continue
		}
		delete(run, key)
		if err := s.backend.Remove(runID, key); err != nil {
			return errors.Wrap(err, "Failed to remove artifact")
		}
	}
	return nil
}

func (s *Store) Get(runID, jobID, name string) (*Artifact, error) {
	key := Key{JobID: jobID, Name: name}

	s.mu.Lock()
	entry, found := s.runs[runID][key]
	var meta Meta
	published := false
	if found {
		meta = entry.meta
		published = entry.published
	}
	s.mu.Unlock()

	if !found {
		return nil, &ArtifactNotFoundError{JobID: jobID, Name: name, Reason: "never written"}
	}
	if !published {
		return nil, &ArtifactNotFoundError{JobID: jobID, Name: name, Reason: "producer has not succeeded"}
	}

	data, err := s.backend.Read(runID, key)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read artifact")
	}

	return &Artifact{
		RunID:     runID,
		JobID:     jobID,
		Name:      name,
		Data:      data,
		CreatedAt: meta.CreatedAt,
	}, nil
}

// List returns published artifacts of the run.
func (s *Store) List(runID string) []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Meta, 0)
	for _, entry := range s.runs[runID] {
		if entry.published {
			result = append(result, entry.meta)
		}
	}
	return result
}

// Release garbage-collects every artifact of a finalized run.
func (s *Store) Release(runID string) error {
	s.mu.Lock()
	_, found := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	if !found {
		return nil
	}

	s.logger.Debug("Released run artifacts", lf.RunID(runID))
	return errors.Wrap(s.backend.RemoveRun(runID), "Failed to remove run artifacts")
}
