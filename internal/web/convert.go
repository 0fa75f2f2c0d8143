package web

import (
	"github.com/bigredeye/deploygate/api"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/models"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

func makeRun(snapshot *scheduler.Snapshot) *api.Run {
	run := &api.Run{
		ID:         snapshot.ID,
		Pipeline:   snapshot.Pipeline,
		Ref:        snapshot.Trigger.Ref,
		Event:      snapshot.Trigger.Event,
		Actor:      snapshot.Trigger.Actor,
		RerunOf:    snapshot.Trigger.RerunOf,
		Variables:  snapshot.Trigger.Variables,
		Result:     snapshot.Result,
		CreatedAt:  snapshot.CreatedAt,
		FinishedAt: snapshot.FinishedAt,
		Jobs:       make([]api.Job, 0, len(snapshot.Jobs)),
		Gates:      make([]api.Gate, 0, len(snapshot.Gates)),
	}
	for _, job := range snapshot.Jobs {
		converted := api.Job{
			ID:         job.ID,
			Status:     job.Status,
			Reason:     job.Reason,
			Gate:       job.Gate,
			Needs:      job.Needs,
			StartedAt:  job.StartedAt,
			FinishedAt: job.FinishedAt,
		}
		if diag := job.Diagnostic; diag != nil {
			converted.Diagnostic = &api.Diagnostic{
				Stdout:   diag.Stdout,
				Stderr:   diag.Stderr,
				ExitCode: diag.ExitCode,
				Error:    diag.Error,
			}
		}
		run.Jobs = append(run.Jobs, converted)
	}
	for i := range snapshot.Gates {
		run.Gates = append(run.Gates, *makeGate(&snapshot.Gates[i]))
	}
	return run
}

func makeGate(gate *gates.Gate) *api.Gate {
	converted := &api.Gate{
		ID:         gate.ID,
		Approvers:  gate.Approvers,
		Blocks:     gate.Blocks,
		Status:     gate.Status,
		ResolvedBy: gate.ResolvedBy,
		OpenedAt:   gate.OpenedAt,
		ResolvedAt: gate.ResolvedAt,
	}
	if gate.Timeout > 0 {
		converted.Timeout = gate.Timeout.String()
	}
	return converted
}

func makeStoredRun(run *models.Run, jobs []models.Job, gates []models.Gate) *api.Run {
	converted := &api.Run{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		Ref:        run.Ref,
		Event:      run.Event,
		Actor:      run.Actor,
		Variables:  run.Variables,
		Result:     run.Result,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.RerunOf != nil {
		converted.RerunOf = *run.RerunOf
	}
	for _, job := range jobs {
		stored := api.Job{
			ID:         job.JobID,
			Status:     job.Status,
			Reason:     job.Reason,
			Gate:       job.Gate,
			StartedAt:  job.StartedAt,
			FinishedAt: job.FinishedAt,
		}
		if job.FinishedAt != nil && (job.Stdout != "" || job.Stderr != "" || job.Error != "" || job.ExitCode != 0) {
			stored.Diagnostic = &api.Diagnostic{
				Stdout:   job.Stdout,
				Stderr:   job.Stderr,
				ExitCode: job.ExitCode,
				Error:    job.Error,
			}
		}
		converted.Jobs = append(converted.Jobs, stored)
	}
	for _, gate := range gates {
		converted.Gates = append(converted.Gates, api.Gate{
			ID:         gate.GateID,
			Approvers:  gate.Approvers,
			Status:     gate.Status,
			ResolvedBy: gate.ResolvedBy,
			OpenedAt:   gate.OpenedAt,
			ResolvedAt: gate.ResolvedAt,
		})
	}
	return converted
}
