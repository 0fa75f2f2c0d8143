package pipeline

import (
	"fmt"
	"regexp"
	"time"

	"golang.org/x/exp/slices"
)

const (
	ActionShell     = "shell"
	ActionTerraform = "terraform"
	ActionNoop      = "noop"
)

const (
	TerraformPlan    = "plan"
	TerraformApply   = "apply"
	TerraformDestroy = "destroy"
)

// Action references the unit of work a job performs. Only the fields relevant
// to Kind are used.
type Action struct {
	Kind string

	// shell
	Command   string
	Artifacts []string

	// terraform
	// Dir is the configuration directory, relative to the executor source root.
	Dir       string
	Operation string
	// State names the job whose state artifact is restored before running.
	State string
	// Plan names the job whose saved plan is applied. Only valid for apply.
	Plan string
}

type JobSpec struct {
	ID      string
	Needs   []string
	Gate    string
	Env     map[string]string
	Scopes  []string
	Timeout time.Duration
	Action  Action
}

type GateSpec struct {
	ID        string
	Approvers []string
	// Zero means the gate blocks until it is resolved or the run is cancelled.
	Timeout time.Duration
}

type Definition struct {
	Name      string
	Variables map[string]string
	Gates     []GateSpec
	Jobs      []JobSpec
}

func (d *Definition) Job(id string) *JobSpec {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i]
		}
	}
	return nil
}

func (d *Definition) Gate(id string) *GateSpec {
	for i := range d.Gates {
		if d.Gates[i].ID == id {
			return &d.Gates[i]
		}
	}
	return nil
}

// GatedJobs returns IDs of the jobs blocked by the gate, in definition order.
func (d *Definition) GatedJobs(gate string) []string {
	jobs := make([]string, 0)
	for _, job := range d.Jobs {
		if job.Gate == gate {
			jobs = append(jobs, job.ID)
		}
	}
	return jobs
}

// Job and gate IDs name work directories, artifact keys and URL segments.
var idPattern = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N}_-]*$`)

// Check performs structural checks that do not need the dependency graph.
func (d *Definition) Check() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is empty")
	}
	if len(d.Jobs) == 0 {
		return fmt.Errorf("pipeline %s has no jobs", d.Name)
	}

	gates := make(map[string]bool, len(d.Gates))
	for _, gate := range d.Gates {
		if gate.ID == "" {
			return fmt.Errorf("gate with empty id")
		}
		if !idPattern.MatchString(gate.ID) {
			return fmt.Errorf("invalid gate id %q", gate.ID)
		}
		if gates[gate.ID] {
			return fmt.Errorf("duplicate gate %s", gate.ID)
		}
		if len(gate.Approvers) == 0 {
			return fmt.Errorf("gate %s has no approvers", gate.ID)
		}
		if gate.Timeout < 0 {
			return fmt.Errorf("gate %s has negative timeout", gate.ID)
		}
		gates[gate.ID] = true
	}

	jobs := make(map[string]bool, len(d.Jobs))
	for _, job := range d.Jobs {
		if job.ID == "" {
			return fmt.Errorf("job with empty id")
		}
		if !idPattern.MatchString(job.ID) {
			return fmt.Errorf("invalid job id %q", job.ID)
		}
		if jobs[job.ID] {
			return fmt.Errorf("duplicate job %s", job.ID)
		}
		jobs[job.ID] = true

		if err := job.Action.check(); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		if job.Action.State != "" && !slices.Contains(job.Needs, job.Action.State) {
			return fmt.Errorf("job %s restores state of %s without needing it", job.ID, job.Action.State)
		}
		if job.Action.Plan != "" && !slices.Contains(job.Needs, job.Action.Plan) {
			return fmt.Errorf("job %s applies plan of %s without needing it", job.ID, job.Action.Plan)
		}
	}

	return nil
}

func (a *Action) check() error {
	switch a.Kind {
	case "":
		return fmt.Errorf("action kind is empty")
	case ActionShell:
		if a.Command == "" {
			return fmt.Errorf("shell action without command")
		}
	case ActionTerraform:
		switch a.Operation {
		case TerraformPlan, TerraformApply, TerraformDestroy:
		default:
			return fmt.Errorf("unknown terraform operation %q", a.Operation)
		}
		if a.Dir == "" {
			return fmt.Errorf("terraform action without dir")
		}
		if a.Plan != "" && a.Operation != TerraformApply {
			return fmt.Errorf("terraform %s cannot use a saved plan", a.Operation)
		}
	}
	return nil
}
