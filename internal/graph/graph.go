package graph

import (
	"github.com/bigredeye/deploygate/internal/pipeline"
)

// Graph is the validated, immutable dependency structure of a pipeline.
type Graph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// New builds the graph of def and validates it: every reference must resolve
// and the dependencies must be acyclic.
func New(def *pipeline.Definition) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(def.Jobs)),
		deps:       make(map[string][]string, len(def.Jobs)),
		dependents: make(map[string][]string, len(def.Jobs)),
	}

	for _, job := range def.Jobs {
		g.order = append(g.order, job.ID)
		g.deps[job.ID] = make([]string, 0, len(job.Needs))
		g.dependents[job.ID] = make([]string, 0)
	}

	for _, job := range def.Jobs {
		if job.Gate != "" && def.Gate(job.Gate) == nil {
			return nil, &UnknownReferenceError{Job: job.ID, Kind: "gate", Name: job.Gate}
		}
		if job.Action.State != "" {
			if _, ok := g.deps[job.Action.State]; !ok {
				return nil, &UnknownReferenceError{Job: job.ID, Kind: "state producer", Name: job.Action.State}
			}
		}
		if job.Action.Plan != "" {
			if _, ok := g.deps[job.Action.Plan]; !ok {
				return nil, &UnknownReferenceError{Job: job.ID, Kind: "plan producer", Name: job.Action.Plan}
			}
		}

		seen := make(map[string]bool, len(job.Needs))
		for _, need := range job.Needs {
			if _, ok := g.deps[need]; !ok {
				return nil, &UnknownReferenceError{Job: job.ID, Kind: "job", Name: need}
			}
			if seen[need] {
				continue
			}
			seen[need] = true
			g.deps[job.ID] = append(g.deps[job.ID], need)
			g.dependents[need] = append(g.dependents[need], job.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) detectCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(g.order))
	stack := make([]string, 0)

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, cur := range stack {
				if cur == id {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), id)
			return &CycleError{Path: path}
		}

		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) Dependencies(id string) []string {
	return append([]string{}, g.deps[id]...)
}

// DependsOn reports whether consumer directly declares producer as a dependency.
func (g *Graph) DependsOn(consumer, producer string) bool {
	for _, dep := range g.deps[consumer] {
		if dep == producer {
			return true
		}
	}
	return false
}

// Downstream returns every transitive dependent of id, breadth first.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	result := make([]string, 0)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependents[cur] {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}

// TopologicalOrder lists jobs so that every job follows its dependencies.
// Ties keep definition order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}

	result := make([]string, 0, len(g.order))
	for len(result) < len(g.order) {
		for _, id := range g.order {
			if indegree[id] != 0 {
				continue
			}
			indegree[id] = -1
			result = append(result, id)
			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
			}
		}
	}
	return result
}
