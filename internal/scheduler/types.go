package scheduler

import (
	"context"
	"time"

	"github.com/bigredeye/deploygate/internal/executor"
	"github.com/bigredeye/deploygate/internal/gates"
)

type JobStatus = string

const (
	JobPending          JobStatus = "pending"
	JobReady            JobStatus = "ready"
	JobRunning          JobStatus = "running"
	JobSucceeded        JobStatus = "succeeded"
	JobFailed           JobStatus = "failed"
	JobAwaitingApproval JobStatus = "awaiting_approval"
	JobSkipped          JobStatus = "skipped"
)

func IsTerminal(status JobStatus) bool {
	return status == JobSucceeded || status == JobFailed || status == JobSkipped
}

type Result = string

const (
	ResultRunning   Result = "running"
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

const (
	EventManual = "manual"
	EventPush   = "push"
	EventRerun  = "rerun"
)

type Trigger struct {
	Pipeline  string
	Ref       string
	Event     string
	Actor     string
	Variables map[string]string
	// Assertion is the CI identity token exchanged for per-job credentials.
	Assertion string `json:"-"`
	RerunOf   string
}

type JobState struct {
	ID         string
	Status     JobStatus
	Reason     string
	Gate       string
	Needs      []string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Diagnostic *executor.Diagnostic
}

type Snapshot struct {
	ID         string
	Pipeline   string
	Trigger    Trigger
	Result     Result
	CreatedAt  time.Time
	FinishedAt *time.Time
	// Jobs are listed in topological order.
	Jobs  []JobState
	Gates []gates.Gate
}

func (s *Snapshot) Job(id string) (JobState, bool) {
	for _, job := range s.Jobs {
		if job.ID == id {
			return job, true
		}
	}
	return JobState{}, false
}

// Recorder persists run history. Failures are logged and never affect the run.
type Recorder interface {
	RecordRun(ctx context.Context, run *Snapshot) error
	RecordJob(ctx context.Context, runID string, job *JobState) error
	RecordGate(ctx context.Context, runID string, gate *gates.Gate) error
}

type GateNotice struct {
	RunID    string
	Pipeline string
	Ref      string
	Gate     gates.Gate
	Jobs     []string
}

// Notifier tells reviewers that jobs started waiting on a gate.
type Notifier interface {
	GateWaiting(ctx context.Context, notice *GateNotice) error
}

type NopRecorder struct{}

func (NopRecorder) RecordRun(context.Context, *Snapshot) error            { return nil }
func (NopRecorder) RecordJob(context.Context, string, *JobState) error    { return nil }
func (NopRecorder) RecordGate(context.Context, string, *gates.Gate) error { return nil }

type NopNotifier struct{}

func (NopNotifier) GateWaiting(context.Context, *GateNotice) error { return nil }
