package database

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bigredeye/deploygate/internal/executor"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/models"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

func TestRunFromSnapshot(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(time.Minute)

	run := runFromSnapshot(&scheduler.Snapshot{
		ID:       "run-2",
		Pipeline: "deploy",
		Trigger: scheduler.Trigger{
			Pipeline:  "deploy",
			Ref:       "refs/heads/main",
			Event:     scheduler.EventRerun,
			Actor:     "alice",
			Variables: map[string]string{"region": "eu-west-1"},
			Assertion: "secret",
			RerunOf:   "run-1",
		},
		Result:     scheduler.ResultFailed,
		CreatedAt:  created,
		FinishedAt: &finished,
	})

	rerunOf := "run-1"
	expected := &models.Run{
		ID:         "run-2",
		Pipeline:   "deploy",
		Ref:        "refs/heads/main",
		Event:      scheduler.EventRerun,
		Actor:      "alice",
		RerunOf:    &rerunOf,
		Variables:  map[string]string{"region": "eu-west-1"},
		Result:     models.RunResultFailed,
		CreatedAt:  created,
		FinishedAt: &finished,
	}
	if diff := cmp.Diff(expected, run); diff != "" {
		t.Fatalf("Unexpected run (-want +got):\n%s", diff)
	}
}

func TestJobAndGateFromState(t *testing.T) {
	job := jobFromState("run", &scheduler.JobState{
		ID:         "build",
		Status:     scheduler.JobFailed,
		Reason:     "exit status 2",
		Diagnostic: &executor.Diagnostic{Stdout: "out", Stderr: "err", ExitCode: 2, Error: "exit status 2"},
	})
	expected := &models.Job{
		RunID:    "run",
		JobID:    "build",
		Status:   scheduler.JobFailed,
		Reason:   "exit status 2",
		ExitCode: 2,
		Stdout:   "out",
		Stderr:   "err",
		Error:    "exit status 2",
	}
	if diff := cmp.Diff(expected, job); diff != "" {
		t.Fatalf("Unexpected job (-want +got):\n%s", diff)
	}

	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := gateFromState("run", &gates.Gate{
		ID:         "teardown",
		Approvers:  []string{"alice"},
		Status:     gates.StatusApproved,
		ResolvedBy: "alice",
		OpenedAt:   opened,
		ResolvedAt: &opened,
	})
	if gate.GateID != "teardown" || gate.Status != gates.StatusApproved || gate.ResolvedAt != &opened {
		t.Fatalf("Unexpected gate: %+v", gate)
	}
}
