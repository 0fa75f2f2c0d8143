package artifacts

import "sort"

// Scope is the view of the store given to a single job: it writes under its
// own job ID and reads only from producers it declared.
type Scope struct {
	store    *Store
	runID    string
	jobID    string
	declared func(producer string) bool
}

func NewScope(store *Store, runID, jobID string, declared func(producer string) bool) *Scope {
	return &Scope{store: store, runID: runID, jobID: jobID, declared: declared}
}

func (s *Scope) Put(name string, data []byte) error {
	return s.store.Put(s.runID, s.jobID, name, data)
}

func (s *Scope) Get(producer, name string) ([]byte, error) {
	if !s.declared(producer) {
		return nil, &ArtifactNotFoundError{
			JobID:  producer,
			Name:   name,
			Reason: "job " + s.jobID + " does not declare it as a dependency",
		}
	}

	artifact, err := s.store.Get(s.runID, producer, name)
	if err != nil {
		return nil, err
	}
	return artifact.Data, nil
}

// Inputs lists the published artifacts of declared producers, grouped by
// producer and sorted by name.
func (s *Scope) Inputs() map[string][]string {
	result := make(map[string][]string)
	for _, meta := range s.store.List(s.runID) {
		if meta.JobID == s.jobID || !s.declared(meta.JobID) {
			continue
		}
		result[meta.JobID] = append(result[meta.JobID], meta.Name)
	}
	for _, names := range result {
		sort.Strings(names)
	}
	return result
}
