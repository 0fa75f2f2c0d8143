package scheduler

import (
	"errors"
	"fmt"
)

type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

func IsRunNotFound(err error) bool {
	var target *RunNotFoundError
	return errors.As(err, &target)
}

type RunFinishedError struct {
	RunID  string
	Result Result
}

func (e *RunFinishedError) Error() string {
	return fmt.Sprintf("run %s is already %s", e.RunID, e.Result)
}

func IsRunFinished(err error) bool {
	var target *RunFinishedError
	return errors.As(err, &target)
}
