package executor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bigredeye/deploygate/internal/pipeline"
)

const (
	StateArtifact = "terraform.tfstate"
	PlanArtifact  = "plan.tfplan"
)

// terraformAction drives the external terraform binary. State is an opaque
// artifact: it is restored from the job named in Action.State and stored
// again after apply or destroy. A plan saved by the job named in Action.Plan
// is applied as is.
type terraformAction struct {
	binary    string
	sourceDir string
}

func (a *terraformAction) configDir(dir string) (string, error) {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(a.sourceDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", errors.Wrap(err, "Terraform configuration not found")
	}
	if !info.IsDir() {
		return "", errors.Errorf("Terraform configuration %s is not a directory", dir)
	}
	return dir, nil
}

func (a *terraformAction) Run(ctx context.Context, inv *Invocation) (*Diagnostic, error) {
	action := inv.Job.Action
	statePath := filepath.Join(inv.WorkDir, StateArtifact)
	planPath := filepath.Join(inv.WorkDir, PlanArtifact)

	dir, err := a.configDir(action.Dir)
	if err != nil {
		return nil, err
	}

	if action.State != "" {
		state, err := inv.Artifacts.Get(action.State, StateArtifact)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(statePath, state, 0o600); err != nil {
			return nil, errors.Wrap(err, "Failed to restore terraform state")
		}
	}

	if action.Plan != "" {
		plan, err := inv.Artifacts.Get(action.Plan, PlanArtifact)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(planPath, plan, 0o600); err != nil {
			return nil, errors.Wrap(err, "Failed to restore terraform plan")
		}
	}

	env := inv.ProcessEnv(map[string]string{
		"TF_IN_AUTOMATION": "1",
		"TF_INPUT":         "0",
		"TF_DATA_DIR":      filepath.Join(inv.WorkDir, ".terraform"),
	})
	command := func(args ...string) *Command {
		return &Command{
			Path: a.binary,
			Args: append([]string{"-chdir=" + dir}, args...),
			Dir:  inv.WorkDir,
			Env:  env,
		}
	}

	var steps []*Command
	var outputs []string
	steps = append(steps, command("init", "-input=false", "-no-color"))
	switch action.Operation {
	case pipeline.TerraformPlan:
		steps = append(steps, command("plan", "-input=false", "-no-color", "-state="+statePath, "-out="+planPath))
		outputs = []string{PlanArtifact}
	case pipeline.TerraformApply:
		if action.Plan != "" {
			steps = append(steps, command("apply", "-input=false", "-no-color", "-state="+statePath, planPath))
		} else {
			steps = append(steps, command("apply", "-input=false", "-no-color", "-auto-approve", "-state="+statePath))
		}
		outputs = []string{StateArtifact}
	case pipeline.TerraformDestroy:
		steps = append(steps, command("destroy", "-input=false", "-no-color", "-auto-approve", "-state="+statePath))
		outputs = []string{StateArtifact}
	default:
		return nil, errors.Errorf("Unknown terraform operation %q", action.Operation)
	}

	diag := &Diagnostic{}
	for _, step := range steps {
		result, err := inv.Runner.Run(ctx, step)
		diag.append(result)
		if err != nil {
			return diag, errors.Wrapf(err, "Command %q failed", step.String())
		}
	}
	return diag, collectOutputs(inv, outputs)
}
