package database

import (
	"context"

	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/models"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

// Recorder keeps run history in the database.
type Recorder struct {
	db *DataBase
}

func NewRecorder(db *DataBase) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) RecordRun(ctx context.Context, snapshot *scheduler.Snapshot) error {
	run := runFromSnapshot(snapshot)
	err := r.db.AddRun(ctx, run)
	if IsDuplicateKey(err) {
		return r.db.FinishRun(ctx, run)
	}
	if err != nil {
		return err
	}

	for i := range snapshot.Gates {
		if err := r.db.AddGate(ctx, gateFromState(snapshot.ID, &snapshot.Gates[i])); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) RecordJob(ctx context.Context, runID string, job *scheduler.JobState) error {
	return r.db.AddJob(ctx, jobFromState(runID, job))
}

func (r *Recorder) RecordGate(ctx context.Context, runID string, gate *gates.Gate) error {
	return r.db.AddGate(ctx, gateFromState(runID, gate))
}

func runFromSnapshot(snapshot *scheduler.Snapshot) *models.Run {
	run := &models.Run{
		ID:         snapshot.ID,
		Pipeline:   snapshot.Pipeline,
		Ref:        snapshot.Trigger.Ref,
		Event:      snapshot.Trigger.Event,
		Actor:      snapshot.Trigger.Actor,
		Variables:  snapshot.Trigger.Variables,
		Result:     snapshot.Result,
		CreatedAt:  snapshot.CreatedAt,
		FinishedAt: snapshot.FinishedAt,
	}
	if snapshot.Trigger.RerunOf != "" {
		rerunOf := snapshot.Trigger.RerunOf
		run.RerunOf = &rerunOf
	}
	return run
}

func jobFromState(runID string, state *scheduler.JobState) *models.Job {
	job := &models.Job{
		RunID:      runID,
		JobID:      state.ID,
		Status:     state.Status,
		Reason:     state.Reason,
		Gate:       state.Gate,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}
	if diag := state.Diagnostic; diag != nil {
		job.ExitCode = diag.ExitCode
		job.Stdout = diag.Stdout
		job.Stderr = diag.Stderr
		job.Error = diag.Error
	}
	return job
}

func gateFromState(runID string, gate *gates.Gate) *models.Gate {
	return &models.Gate{
		RunID:      runID,
		GateID:     gate.ID,
		Approvers:  gate.Approvers,
		Status:     gate.Status,
		ResolvedBy: gate.ResolvedBy,
		OpenedAt:   gate.OpenedAt,
		ResolvedAt: gate.ResolvedAt,
	}
}
