package gates

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type Status = string

const (
	StatusOpen     Status = "open"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Decision = string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Actors used when the system resolves a gate on its own.
const (
	ActorCancel  = "system:cancel"
	ActorTimeout = "system:timeout"
)

func ParseDecision(value string) (Decision, error) {
	switch value {
	case Approve, "approved":
		return Approve, nil
	case Reject, "rejected":
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown decision %q", value)
	}
}

type Gate struct {
	ID        string
	Approvers []string
	Blocks    []string
	Timeout   time.Duration

	Status     Status
	ResolvedBy string
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

func (g *Gate) IsResolved() bool {
	return g.Status != StatusOpen
}

func (g *Gate) copy() Gate {
	cp := *g
	cp.Approvers = append([]string{}, g.Approvers...)
	cp.Blocks = append([]string{}, g.Blocks...)
	if g.ResolvedAt != nil {
		at := *g.ResolvedAt
		cp.ResolvedAt = &at
	}
	return cp
}

// Registry holds the gates of one pipeline run. Every gate is resolved at
// most once.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]*Gate
	order []string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		gates: make(map[string]*Gate),
		now:   time.Now,
	}
}

func (r *Registry) Open(id string, approvers, blocks []string, timeout time.Duration) (Gate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.gates[id]; found {
		return Gate{}, fmt.Errorf("gate %s is already open", id)
	}
	if len(approvers) == 0 {
		return Gate{}, fmt.Errorf("gate %s has no approvers", id)
	}

	gate := &Gate{
		ID:        id,
		Approvers: append([]string{}, approvers...),
		Blocks:    append([]string{}, blocks...),
		Timeout:   timeout,
		Status:    StatusOpen,
		OpenedAt:  r.now(),
	}
	r.gates[id] = gate
	r.order = append(r.order, id)
	return gate.copy(), nil
}

// Resolve records the decision of an authorized actor.
func (r *Registry) Resolve(id string, decision Decision, actor string) (Gate, error) {
	return r.resolve(id, decision, actor, true)
}

// ForceResolve records a decision made by the system itself, e.g. on run
// cancellation or gate timeout. Approver membership is not checked.
func (r *Registry) ForceResolve(id string, decision Decision, actor string) (Gate, error) {
	return r.resolve(id, decision, actor, false)
}

func (r *Registry) resolve(id string, decision Decision, actor string, checkApprover bool) (Gate, error) {
	if decision != Approve && decision != Reject {
		return Gate{}, fmt.Errorf("unknown decision %q", decision)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	gate, found := r.gates[id]
	if !found {
		return Gate{}, &NotFoundError{GateID: id}
	}
	if gate.IsResolved() {
		return Gate{}, &AlreadyResolvedError{GateID: id, Status: gate.Status}
	}
	if checkApprover && !slices.Contains(gate.Approvers, actor) {
		return Gate{}, &UnauthorizedApproverError{GateID: id, Actor: actor}
	}

	now := r.now()
	gate.ResolvedBy = actor
	gate.ResolvedAt = &now
	if decision == Approve {
		gate.Status = StatusApproved
	} else {
		gate.Status = StatusRejected
	}
	return gate.copy(), nil
}

func (r *Registry) Get(id string) (Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gate, found := r.gates[id]
	if !found {
		return Gate{}, false
	}
	return gate.copy(), true
}

// List returns gates in the order they were opened.
func (r *Registry) List() []Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Gate, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.gates[id].copy())
	}
	return result
}
