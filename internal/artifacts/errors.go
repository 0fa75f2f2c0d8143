package artifacts

import (
	"errors"
	"fmt"
)

type DuplicateArtifactError struct {
	JobID string
	Name  string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %s of job %s already exists", e.Name, e.JobID)
}

func IsDuplicateArtifact(err error) bool {
	duplicate := &DuplicateArtifactError{}
	return errors.As(err, &duplicate)
}

type ArtifactNotFoundError struct {
	JobID  string
	Name   string
	Reason string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %s of job %s not found: %s", e.Name, e.JobID, e.Reason)
}

func IsArtifactNotFound(err error) bool {
	notFound := &ArtifactNotFoundError{}
	return errors.As(err, &notFound)
}
