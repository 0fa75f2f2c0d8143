package gates

import (
	"errors"
	"fmt"
)

type UnauthorizedApproverError struct {
	GateID string
	Actor  string
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("%s is not an approver of gate %s", e.Actor, e.GateID)
}

func IsUnauthorizedApprover(err error) bool {
	unauthorized := &UnauthorizedApproverError{}
	return errors.As(err, &unauthorized)
}

type AlreadyResolvedError struct {
	GateID string
	Status Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("gate %s is already resolved (%s)", e.GateID, e.Status)
}

func IsAlreadyResolved(err error) bool {
	resolved := &AlreadyResolvedError{}
	return errors.As(err, &resolved)
}

type NotFoundError struct {
	GateID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gate %s not found", e.GateID)
}

func IsNotFound(err error) bool {
	notFound := &NotFoundError{}
	return errors.As(err, &notFound)
}
