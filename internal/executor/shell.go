package executor

import (
	"context"
	"path/filepath"
)

type shellAction struct {
	shell string
}

func (a *shellAction) Run(ctx context.Context, inv *Invocation) (*Diagnostic, error) {
	inputs, err := materializeInputs(inv)
	if err != nil {
		return nil, err
	}

	diag, err := inv.Runner.Run(ctx, &Command{
		Path: a.shell,
		Args: []string{"-c", inv.Job.Action.Command},
		Dir:  inv.WorkDir,
		Env: inv.ProcessEnv(map[string]string{
			"DEPLOYGATE_RUN_ID":     inv.RunID,
			"DEPLOYGATE_JOB_ID":     inv.Job.ID,
			"DEPLOYGATE_WORKDIR":    inv.WorkDir,
			"DEPLOYGATE_INPUTS":     inputs,
			"DEPLOYGATE_TOKEN_FILE": filepath.Join(inv.WorkDir, tokenFile),
		}),
	})
	if err != nil {
		return diag, err
	}
	if ctx.Err() != nil {
		return diag, ctx.Err()
	}

	return diag, collectOutputs(inv, inv.Job.Action.Artifacts)
}
