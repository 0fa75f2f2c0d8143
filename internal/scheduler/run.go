package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/artifacts"
	"github.com/bigredeye/deploygate/internal/executor"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/graph"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

type jobStarted struct {
	jobID string
}

type jobFinished struct {
	jobID   string
	started bool
	outcome *executor.Outcome
}

type approval struct {
	gateID   string
	decision gates.Decision
	actor    string
	reply    chan approvalReply
}

type approvalReply struct {
	gate gates.Gate
	err  error
}

type cancellation struct {
	actor string
}

type gateExpired struct {
	gateID string
}

// Run is a single execution of a pipeline definition. All job and gate state
// is mutated only by the run's loop goroutine.
type Run struct {
	scheduler *Scheduler
	id        string
	def       *pipeline.Definition
	graph     *graph.Graph
	trigger   Trigger
	gates     *gates.Registry
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan interface{}
	done   chan struct{}

	// loop-owned
	inflight  int
	cancelled bool
	timers    map[string]*time.Timer

	mu         sync.RWMutex
	jobs       map[string]*JobState
	result     Result
	createdAt  time.Time
	finishedAt *time.Time
}

func newRun(s *Scheduler, id string, def *pipeline.Definition, g *graph.Graph, trigger Trigger) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		scheduler: s,
		id:        id,
		def:       def,
		graph:     g,
		trigger:   trigger,
		gates:     gates.NewRegistry(),
		logger:    s.logger.With(lf.RunID(id), lf.Pipeline(def.Name)),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan interface{}),
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
		jobs:      make(map[string]*JobState, len(def.Jobs)),
		result:    ResultRunning,
		createdAt: time.Now(),
	}
	for _, spec := range def.Jobs {
		run.jobs[spec.ID] = &JobState{
			ID:     spec.ID,
			Status: JobPending,
			Gate:   spec.Gate,
			Needs:  g.Dependencies(spec.ID),
		}
	}
	return run
}

func (r *Run) ID() string {
	return r.id
}

func (r *Run) Definition() *pipeline.Definition {
	return r.def
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is finished and returns its final snapshot.
func (r *Run) Wait(ctx context.Context) (*Snapshot, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := &Snapshot{
		ID:         r.id,
		Pipeline:   r.def.Name,
		Trigger:    r.trigger,
		Result:     r.result,
		CreatedAt:  r.createdAt,
		FinishedAt: r.finishedAt,
		Jobs:       make([]JobState, 0, len(r.jobs)),
		Gates:      r.gates.List(),
	}
	for _, id := range r.graph.TopologicalOrder() {
		job := *r.jobs[id]
		if job.Diagnostic != nil {
			diag := *job.Diagnostic
			job.Diagnostic = &diag
		}
		snapshot.Jobs = append(snapshot.Jobs, job)
	}
	return snapshot
}

// SubmitApproval resolves a gate of the run. The first resolution wins, also
// after the run has finished.
func (r *Run) SubmitApproval(gateID string, decision gates.Decision, actor string) (gates.Gate, error) {
	reply := make(chan approvalReply, 1)
	if !r.send(&approval{gateID: gateID, decision: decision, actor: actor, reply: reply}) {
		return gates.Gate{}, r.lateApprovalError(gateID)
	}
	result := <-reply
	return result.gate, result.err
}

// lateApprovalError explains why a decision arriving after the loop exited
// cannot be applied.
func (r *Run) lateApprovalError(gateID string) error {
	gate, found := r.gates.Get(gateID)
	switch {
	case !found:
		return &gates.NotFoundError{GateID: gateID}
	case gate.IsResolved():
		return &gates.AlreadyResolvedError{GateID: gateID, Status: gate.Status}
	default:
		return r.finishedError()
	}
}

// Cancel stops the run: pending and waiting jobs are skipped, open gates are
// rejected and running jobs are interrupted.
func (r *Run) Cancel(actor string) error {
	if !r.send(&cancellation{actor: actor}) {
		return r.finishedError()
	}
	return nil
}

func (r *Run) finishedError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &RunFinishedError{RunID: r.id, Result: r.result}
}

func (r *Run) send(event interface{}) bool {
	select {
	case r.events <- event:
		return true
	case <-r.done:
		return false
	}
}

func (r *Run) loop() {
	r.evaluate()
	for !r.finished() {
		switch event := (<-r.events).(type) {
		case *jobStarted:
			r.onJobStarted(event)
		case *jobFinished:
			r.onJobFinished(event)
		case *approval:
			r.onApproval(event)
		case *cancellation:
			r.onCancel(event)
		case *gateExpired:
			r.onGateExpired(event)
		}
		r.evaluate()
	}
	r.finalize()
}

func (r *Run) finished() bool {
	if r.inflight > 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if !IsTerminal(job.Status) {
			return false
		}
	}
	return true
}

// evaluate advances every job whose inputs changed, in topological order so
// that skips propagate to transitive dependents in a single pass.
func (r *Run) evaluate() {
	for _, id := range r.graph.TopologicalOrder() {
		r.mu.RLock()
		job := r.jobs[id]
		status := job.Status
		r.mu.RUnlock()

		if status != JobPending && status != JobAwaitingApproval {
			continue
		}
		spec := r.def.Job(id)

		if r.cancelled {
			r.transition(id, JobSkipped, "run cancelled")
			continue
		}

		var gate gates.Gate
		if spec.Gate != "" {
			gate, _ = r.gates.Get(spec.Gate)
			if gate.Status == gates.StatusRejected {
				r.transition(id, JobSkipped, fmt.Sprintf("gate %s rejected by %s", gate.ID, gate.ResolvedBy))
				continue
			}
		}

		satisfied := true
		skipReason := ""
		r.mu.RLock()
		for _, dep := range r.graph.Dependencies(id) {
			switch r.jobs[dep].Status {
			case JobSucceeded:
			case JobFailed:
				skipReason = fmt.Sprintf("dependency %s failed", dep)
			case JobSkipped:
				skipReason = fmt.Sprintf("dependency %s skipped", dep)
			default:
				satisfied = false
			}
			if skipReason != "" {
				break
			}
		}
		r.mu.RUnlock()

		if skipReason != "" {
			r.transition(id, JobSkipped, skipReason)
			continue
		}
		if !satisfied {
			continue
		}

		if spec.Gate != "" && gate.Status == gates.StatusOpen {
			if status != JobAwaitingApproval {
				r.transition(id, JobAwaitingApproval, fmt.Sprintf("waiting for gate %s", gate.ID))
				r.onAwaiting(gate)
			}
			continue
		}

		r.transition(id, JobReady, "")
		r.dispatch(spec)
	}
}

func (r *Run) transition(jobID string, status JobStatus, reason string) {
	now := time.Now()

	r.mu.Lock()
	job := r.jobs[jobID]
	job.Status = status
	job.Reason = reason
	switch {
	case status == JobRunning:
		job.StartedAt = &now
	case IsTerminal(status):
		job.FinishedAt = &now
	}
	state := *job
	r.mu.Unlock()

	r.logger.Info("Job status changed", lf.JobID(jobID), lf.JobStatus(status), zap.String("reason", reason))
	if err := r.scheduler.recorder.RecordJob(context.Background(), r.id, &state); err != nil {
		r.logger.Warn("Failed to record job", lf.JobID(jobID), zap.Error(err))
	}
}

func (r *Run) onAwaiting(gate gates.Gate) {
	if _, found := r.timers[gate.ID]; !found && gate.Timeout > 0 {
		gateID := gate.ID
		r.timers[gateID] = time.AfterFunc(gate.Timeout, func() {
			r.send(&gateExpired{gateID: gateID})
		})
	}

	notice := &GateNotice{
		RunID:    r.id,
		Pipeline: r.def.Name,
		Ref:      r.trigger.Ref,
		Gate:     gate,
		Jobs:     gate.Blocks,
	}
	go func() {
		if err := r.scheduler.notifier.GateWaiting(r.ctx, notice); err != nil {
			r.logger.Warn("Failed to notify reviewers", lf.GateID(gate.ID), zap.Error(err))
		}
	}()
}

func (r *Run) dispatch(spec *pipeline.JobSpec) {
	r.inflight++
	go r.work(spec)
}

func (r *Run) work(spec *pipeline.JobSpec) {
	s := r.scheduler
	if err := s.workers.Acquire(r.ctx, 1); err != nil {
		r.events <- &jobFinished{jobID: spec.ID, outcome: &executor.Outcome{Err: err}}
		return
	}
	defer s.workers.Release(1)

	r.events <- &jobStarted{jobID: spec.ID}

	vars := make(map[string]string, len(r.def.Variables)+len(r.trigger.Variables))
	for key, value := range r.def.Variables {
		vars[key] = value
	}
	for key, value := range r.trigger.Variables {
		vars[key] = value
	}

	inv := &executor.Invocation{
		RunID: r.id,
		Job:   spec,
		Env:   executor.NewEnvironment(vars, spec.Env),
		Artifacts: artifacts.NewScope(s.store, r.id, spec.ID, func(producer string) bool {
			return r.graph.DependsOn(spec.ID, producer)
		}),
	}
	if s.broker != nil && len(spec.Scopes) > 0 {
		lease := s.broker.Lease(spec.ID, r.trigger.Assertion, spec.Scopes)
		defer lease.Revoke()
		inv.Credentials = lease
	}

	s.running.Inc()
	outcome := s.executor.Execute(r.ctx, inv)
	s.running.Dec()

	r.events <- &jobFinished{jobID: spec.ID, started: true, outcome: outcome}
}

func (r *Run) onJobStarted(event *jobStarted) {
	r.mu.RLock()
	status := r.jobs[event.jobID].Status
	r.mu.RUnlock()

	if status == JobReady {
		r.transition(event.jobID, JobRunning, "")
	}
}

func (r *Run) onJobFinished(event *jobFinished) {
	r.inflight--
	store := r.scheduler.store

	r.mu.Lock()
	job := r.jobs[event.jobID]
	status := job.Status
	if event.outcome != nil {
		job.Diagnostic = event.outcome.Diagnostic
	}
	r.mu.Unlock()

	if IsTerminal(status) || !event.started {
		if err := store.Discard(r.id, event.jobID); err != nil {
			r.logger.Warn("Failed to discard artifacts", lf.JobID(event.jobID), zap.Error(err))
		}
		if !IsTerminal(status) {
			r.transition(event.jobID, JobSkipped, "run cancelled")
		}
		return
	}

	if !event.outcome.Succeeded() {
		if err := store.Discard(r.id, event.jobID); err != nil {
			r.logger.Warn("Failed to discard artifacts", lf.JobID(event.jobID), zap.Error(err))
		}
		r.transition(event.jobID, JobFailed, event.outcome.Err.Error())
		r.logDownstream(event.jobID, "job failed")
		return
	}

	// Artifacts become visible before dependents can observe Succeeded.
	if err := store.Publish(r.id, event.jobID); err != nil {
		r.transition(event.jobID, JobFailed, errors.Wrap(err, "Failed to publish artifacts").Error())
		return
	}
	r.transition(event.jobID, JobSucceeded, "")
}

// logDownstream reports the jobs that will not run because of id.
func (r *Run) logDownstream(id, cause string) {
	downstream := r.graph.Downstream(id)
	if len(downstream) == 0 {
		return
	}
	r.logger.Info("Skipping downstream jobs",
		zap.String("cause", cause),
		zap.String("origin", id),
		zap.Strings("jobs", downstream),
	)
}

func (r *Run) onApproval(event *approval) {
	gate, err := r.gates.Resolve(event.gateID, event.decision, event.actor)
	if err == nil {
		r.onGateResolved(gate)
	} else {
		r.logger.Warn("Rejected gate decision",
			lf.GateID(event.gateID),
			lf.Actor(event.actor),
			lf.Decision(event.decision),
			zap.Error(err),
		)
	}
	event.reply <- approvalReply{gate: gate, err: err}
}

func (r *Run) onGateExpired(event *gateExpired) {
	gate, err := r.gates.ForceResolve(event.gateID, gates.Reject, gates.ActorTimeout)
	if err != nil {
		return
	}
	r.onGateResolved(gate)
}

func (r *Run) onGateResolved(gate gates.Gate) {
	if timer, found := r.timers[gate.ID]; found {
		timer.Stop()
		delete(r.timers, gate.ID)
	}

	r.logger.Info("Gate resolved",
		lf.GateID(gate.ID),
		lf.Actor(gate.ResolvedBy),
		zap.String("status", gate.Status),
	)
	if err := r.scheduler.recorder.RecordGate(context.Background(), r.id, &gate); err != nil {
		r.logger.Warn("Failed to record gate", lf.GateID(gate.ID), zap.Error(err))
	}
	if gate.Status == gates.StatusRejected && !r.cancelled {
		for _, blocked := range gate.Blocks {
			r.logDownstream(blocked, "gate "+gate.ID+" rejected")
		}
	}
}

func (r *Run) onCancel(event *cancellation) {
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.logger.Info("Cancelling run", lf.Actor(event.actor))

	for _, gate := range r.gates.List() {
		if gate.IsResolved() {
			continue
		}
		if resolved, err := r.gates.ForceResolve(gate.ID, gates.Reject, gates.ActorCancel); err == nil {
			r.onGateResolved(resolved)
		}
	}

	r.mu.RLock()
	waiting := make([]string, 0)
	for id, job := range r.jobs {
		if job.Status == JobReady {
			waiting = append(waiting, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range waiting {
		r.transition(id, JobSkipped, "run cancelled")
	}

	r.cancel()
}

func (r *Run) finalize() {
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}

	now := time.Now()
	r.mu.Lock()
	result := ResultSucceeded
	for _, job := range r.jobs {
		if job.Status != JobSucceeded {
			result = ResultFailed
		}
	}
	if r.cancelled {
		result = ResultCancelled
	}
	r.result = result
	r.finishedAt = &now
	r.mu.Unlock()

	if err := r.scheduler.store.Release(r.id); err != nil {
		r.logger.Warn("Failed to release artifacts", zap.Error(err))
	}

	snapshot := r.Snapshot()
	if err := r.scheduler.recorder.RecordRun(context.Background(), snapshot); err != nil {
		r.logger.Warn("Failed to record run", zap.Error(err))
	}

	r.scheduler.finished.Inc()
	r.logger.Info("Run finished", zap.String("result", result))

	r.cancel()
	close(r.done)
}
