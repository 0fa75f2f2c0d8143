package graph

import (
	"errors"
	"fmt"
	"strings"
)

// CycleError rejects a pipeline whose jobs depend on each other in a loop.
// Path starts and ends with the same job.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func IsCycle(err error) bool {
	cycle := &CycleError{}
	return errors.As(err, &cycle)
}

type UnknownReferenceError struct {
	Job  string
	Kind string
	Name string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("job %s references unknown %s %s", e.Job, e.Kind, e.Name)
}

func IsUnknownReference(err error) bool {
	ref := &UnknownReferenceError{}
	return errors.As(err, &ref)
}
