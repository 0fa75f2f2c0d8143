package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/artifacts"
	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/credentials"
	"github.com/bigredeye/deploygate/internal/executor"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/graph"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

const deployYaml = `
name: deploy
gates:
  - id: teardown
    approvers: [alice, bob]
jobs:
  - id: build
    action: {kind: record}
  - id: provision
    needs: [build]
    action: {kind: record}
  - id: destroy
    needs: [provision]
    gate: teardown
    action: {kind: restore}
`

type harness struct {
	t         *testing.T
	scheduler *Scheduler
	executor  *executor.Executor
	store     *artifacts.Store

	mu       sync.Mutex
	executed []string
	release  map[string]chan struct{}
}

func newHarness(t *testing.T, options Options) *harness {
	h := &harness{
		t:        t,
		executor: executor.New(executor.Options{WorkDir: t.TempDir()}, zap.NewNop()),
		store:    artifacts.NewMemoryStore(),
		release:  make(map[string]chan struct{}),
	}
	if options.Workers == 0 {
		options.Workers = 4
	}
	h.scheduler = New(h.executor, h.store, options, zap.NewNop())

	// record stores a state artifact named after the job.
	h.executor.Register("record", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		h.markExecuted(inv.Job.ID)
		if err := h.wait(ctx, inv.Job.ID); err != nil {
			return nil, err
		}
		return nil, inv.Artifacts.Put("state", []byte("state of "+inv.Job.ID))
	}))
	// restore reads the state of every declared dependency.
	h.executor.Register("restore", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		h.markExecuted(inv.Job.ID)
		for _, producer := range inv.Job.Needs {
			data, err := inv.Artifacts.Get(producer, "state")
			if err != nil {
				return nil, err
			}
			if string(data) != "state of "+producer {
				return nil, errors.New("corrupted state")
			}
		}
		return nil, nil
	}))
	h.executor.Register("fail", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		h.markExecuted(inv.Job.ID)
		_ = inv.Artifacts.Put("state", []byte("partial"))
		return &executor.Diagnostic{Stderr: "boom", ExitCode: 2}, errors.New("exit status 2")
	}))
	return h
}

func (h *harness) markExecuted(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed = append(h.executed, jobID)
}

func (h *harness) hold(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release[jobID] = make(chan struct{})
}

func (h *harness) unhold(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.release[jobID])
}

func (h *harness) wait(ctx context.Context, jobID string) error {
	h.mu.Lock()
	ch, found := h.release[jobID]
	h.mu.Unlock()
	if !found {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *harness) wasExecuted(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.executed {
		if id == jobID {
			return true
		}
	}
	return false
}

func (h *harness) start(yaml string, trigger Trigger) *Run {
	def, err := pipeline.Parse("test", pipeline.FormatYAML, []byte(yaml), nil)
	if err != nil {
		h.t.Fatal("Failed to parse pipeline:", err)
	}
	run, err := h.scheduler.Start(context.Background(), def, trigger)
	if err != nil {
		h.t.Fatal("Failed to start run:", err)
	}
	return run
}

func waitFor(t *testing.T, run *Run, what string, cond func(*Snapshot) bool) *Snapshot {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot := run.Snapshot()
		if cond(snapshot) {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s: %+v", what, run.Snapshot())
	return nil
}

func jobIs(id string, status JobStatus) func(*Snapshot) bool {
	return func(s *Snapshot) bool {
		job, _ := s.Job(id)
		return job.Status == status
	}
}

func finish(t *testing.T, run *Run) *Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Run did not finish: %+v", run.Snapshot())
	}
	return snapshot
}

func statuses(s *Snapshot) map[string]JobStatus {
	result := make(map[string]JobStatus, len(s.Jobs))
	for _, job := range s.Jobs {
		result[job.ID] = job.Status
	}
	return result
}

func TestGatedDeployApproved(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.start(deployYaml, Trigger{Ref: "refs/heads/main"})

	snapshot := waitFor(t, run, "destroy to await approval", jobIs("destroy", JobAwaitingApproval))
	if diff := cmp.Diff(map[string]JobStatus{
		"build":     JobSucceeded,
		"provision": JobSucceeded,
		"destroy":   JobAwaitingApproval,
	}, statuses(snapshot)); diff != "" {
		t.Fatalf("Unexpected statuses (-want +got):\n%s", diff)
	}
	if h.wasExecuted("destroy") {
		t.Fatal("Gated job must not run before approval")
	}

	gate, err := run.SubmitApproval("teardown", gates.Approve, "alice")
	if err != nil {
		t.Fatal("Failed to approve:", err)
	}
	if gate.Status != gates.StatusApproved || gate.ResolvedBy != "alice" {
		t.Fatalf("Unexpected gate: %+v", gate)
	}

	snapshot = finish(t, run)
	if snapshot.Result != ResultSucceeded {
		t.Fatalf("Unexpected result: %s %+v", snapshot.Result, snapshot.Jobs)
	}
	if diff := cmp.Diff([]string{"build", "provision", "destroy"}, h.executed); diff != "" {
		t.Fatalf("Unexpected execution order (-want +got):\n%s", diff)
	}
	if len(h.store.List(run.ID())) != 0 {
		t.Fatal("Artifacts must be released after the run")
	}
}

func TestGatedDeployRejected(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.start(deployYaml, Trigger{})

	waitFor(t, run, "destroy to await approval", jobIs("destroy", JobAwaitingApproval))
	if _, err := run.SubmitApproval("teardown", gates.Reject, "bob"); err != nil {
		t.Fatal("Failed to reject:", err)
	}

	snapshot := finish(t, run)
	destroy, _ := snapshot.Job("destroy")
	if destroy.Status != JobSkipped || !strings.Contains(destroy.Reason, "rejected by bob") {
		t.Fatalf("Unexpected destroy state: %+v", destroy)
	}
	if snapshot.Result != ResultFailed {
		t.Fatalf("Rejected run must fail, got %s", snapshot.Result)
	}
	if h.wasExecuted("destroy") {
		t.Fatal("Rejected job must never run")
	}

	gate, err := run.SubmitApproval("teardown", gates.Approve, "alice")
	if !gates.IsAlreadyResolved(err) {
		t.Fatalf("Expected already resolved, got %v", err)
	}
	if gate.ID != "" {
		t.Fatalf("Failed resolution must not return a gate: %+v", gate)
	}
	if snapshot := run.Snapshot(); snapshot.Gates[0].Status != gates.StatusRejected || snapshot.Gates[0].ResolvedBy != "bob" {
		t.Fatalf("Second resolution must not change the gate: %+v", snapshot.Gates[0])
	}
}

func TestUnauthorizedApprover(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.start(deployYaml, Trigger{})

	waitFor(t, run, "destroy to await approval", jobIs("destroy", JobAwaitingApproval))

	_, err := run.SubmitApproval("teardown", gates.Approve, "mallory")
	if !gates.IsUnauthorizedApprover(err) {
		t.Fatalf("Expected unauthorized approver, got %v", err)
	}
	snapshot := run.Snapshot()
	if job, _ := snapshot.Job("destroy"); job.Status != JobAwaitingApproval {
		t.Fatalf("Unauthorized decision must not unblock the job: %s", job.Status)
	}
	if snapshot.Gates[0].Status != gates.StatusOpen {
		t.Fatal("Gate must stay open")
	}

	if _, err := h.scheduler.SubmitApproval(run.ID(), "teardown", gates.Approve, "bob"); err != nil {
		t.Fatal("Failed to approve:", err)
	}
	if _, err := run.SubmitApproval("teardown", gates.Reject, "alice"); !gates.IsAlreadyResolved(err) {
		t.Fatalf("Expected already resolved, got %v", err)
	}

	if snapshot := finish(t, run); snapshot.Result != ResultSucceeded {
		t.Fatalf("Unexpected result: %s", snapshot.Result)
	}

	_, err = run.SubmitApproval("teardown", gates.Approve, "alice")
	if !gates.IsAlreadyResolved(err) {
		t.Fatalf("Expected already resolved after the run finished, got %v", err)
	}
	if _, err := run.SubmitApproval("missing", gates.Approve, "alice"); !gates.IsNotFound(err) {
		t.Fatalf("Expected gate not found, got %v", err)
	}
	if _, err := h.scheduler.SubmitApproval("nope", "teardown", gates.Approve, "alice"); !IsRunNotFound(err) {
		t.Fatalf("Expected run not found, got %v", err)
	}
}

func TestEarlyApproval(t *testing.T) {
	h := newHarness(t, Options{})
	h.hold("provision")
	run := h.start(deployYaml, Trigger{})

	waitFor(t, run, "provision to run", jobIs("provision", JobRunning))
	if _, err := run.SubmitApproval("teardown", gates.Approve, "alice"); err != nil {
		t.Fatal("Failed to approve:", err)
	}
	if job, _ := run.Snapshot().Job("destroy"); job.Status != JobPending {
		t.Fatalf("Approved job must still wait for its dependencies: %s", job.Status)
	}

	h.unhold("provision")
	if snapshot := finish(t, run); snapshot.Result != ResultSucceeded {
		t.Fatalf("Unexpected result: %s", snapshot.Result)
	}
}

func TestFailureSkipsDependents(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.start(`
name: broken
jobs:
  - id: build
    action: {kind: fail}
  - id: provision
    needs: [build]
    action: {kind: record}
  - id: destroy
    needs: [provision]
    action: {kind: restore}
  - id: lint
    action: {kind: record}
`, Trigger{})

	snapshot := finish(t, run)
	if diff := cmp.Diff(map[string]JobStatus{
		"build":     JobFailed,
		"provision": JobSkipped,
		"destroy":   JobSkipped,
		"lint":      JobSucceeded,
	}, statuses(snapshot)); diff != "" {
		t.Fatalf("Unexpected statuses (-want +got):\n%s", diff)
	}
	if snapshot.Result != ResultFailed {
		t.Fatalf("Unexpected result: %s", snapshot.Result)
	}

	build, _ := snapshot.Job("build")
	if build.Diagnostic == nil || build.Diagnostic.ExitCode != 2 || build.Diagnostic.Stderr != "boom" {
		t.Fatalf("Failure diagnostic must be recorded: %+v", build.Diagnostic)
	}
	provision, _ := snapshot.Job("provision")
	if provision.Reason != "dependency build failed" {
		t.Fatalf("Unexpected reason: %s", provision.Reason)
	}
	destroy, _ := snapshot.Job("destroy")
	if destroy.Reason != "dependency provision skipped" {
		t.Fatalf("Unexpected reason: %s", destroy.Reason)
	}
	if h.wasExecuted("provision") || h.wasExecuted("destroy") {
		t.Fatal("Skipped jobs must never run")
	}
}

func TestCycleRejected(t *testing.T) {
	h := newHarness(t, Options{})
	def := &pipeline.Definition{
		Name: "cyclic",
		Jobs: []pipeline.JobSpec{
			{ID: "a", Needs: []string{"c"}, Action: pipeline.Action{Kind: "record"}},
			{ID: "b", Needs: []string{"a"}, Action: pipeline.Action{Kind: "record"}},
			{ID: "c", Needs: []string{"b"}, Action: pipeline.Action{Kind: "record"}},
		},
	}

	_, err := h.scheduler.Start(context.Background(), def, Trigger{})
	if !graph.IsCycle(err) {
		t.Fatalf("Expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> c -> b -> a") {
		t.Fatalf("Cycle path must be named: %s", err)
	}

	time.Sleep(20 * time.Millisecond)
	if len(h.executed) != 0 || len(h.scheduler.List()) != 0 {
		t.Fatal("Nothing must run for an invalid graph")
	}
}

func TestTransitiveArtifactsInvisible(t *testing.T) {
	h := newHarness(t, Options{})
	h.executor.Register("peek", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		_, err := inv.Artifacts.Get("build", "state")
		return nil, err
	}))

	run := h.start(`
name: peek
jobs:
  - id: build
    action: {kind: record}
  - id: provision
    needs: [build]
    action: {kind: record}
  - id: destroy
    needs: [provision]
    action: {kind: peek}
`, Trigger{})

	snapshot := finish(t, run)
	destroy, _ := snapshot.Job("destroy")
	if destroy.Status != JobFailed || !strings.Contains(destroy.Reason, "does not declare") {
		t.Fatalf("Transitive artifact must be invisible: %+v", destroy)
	}
}

func TestFailedJobArtifactsDiscarded(t *testing.T) {
	h := newHarness(t, Options{})
	h.hold("lint")

	run := h.start(`
name: discard
jobs:
  - id: build
    action: {kind: fail}
  - id: lint
    action: {kind: record}
`, Trigger{})

	waitFor(t, run, "build to fail", jobIs("build", JobFailed))
	if _, err := h.store.Get(run.ID(), "build", "state"); !artifacts.IsArtifactNotFound(err) {
		t.Fatalf("Artifacts of a failed job must be invisible, got %v", err)
	}
	h.unhold("lint")
	finish(t, run)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.hold("provision")
	run := h.start(deployYaml, Trigger{})

	waitFor(t, run, "provision to run", jobIs("provision", JobRunning))
	if err := h.scheduler.Cancel(run.ID(), "operator"); err != nil {
		t.Fatal("Failed to cancel:", err)
	}

	snapshot := finish(t, run)
	if snapshot.Result != ResultCancelled {
		t.Fatalf("Unexpected result: %s", snapshot.Result)
	}
	destroy, _ := snapshot.Job("destroy")
	if destroy.Status != JobSkipped {
		t.Fatalf("Pending job must be skipped: %s", destroy.Status)
	}
	if gate := snapshot.Gates[0]; gate.Status != gates.StatusRejected || gate.ResolvedBy != gates.ActorCancel {
		t.Fatalf("Open gate must be rejected on cancel: %+v", gate)
	}
	if h.wasExecuted("destroy") {
		t.Fatal("Cancelled run must not start new jobs")
	}

	if err := run.Cancel("operator"); !IsRunFinished(err) {
		t.Fatalf("Expected run finished, got %v", err)
	}
}

func TestGateTimeout(t *testing.T) {
	h := newHarness(t, Options{GateTimeout: 50 * time.Millisecond})
	run := h.start(deployYaml, Trigger{})

	snapshot := finish(t, run)
	if gate := snapshot.Gates[0]; gate.Status != gates.StatusRejected || gate.ResolvedBy != gates.ActorTimeout {
		t.Fatalf("Gate must expire: %+v", gate)
	}
	if destroy, _ := snapshot.Job("destroy"); destroy.Status != JobSkipped {
		t.Fatalf("Expired gate must skip its jobs: %s", destroy.Status)
	}
}

func TestWorkersBound(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})

	current := atomic.NewInt64(0)
	peak := atomic.NewInt64(0)
	h.executor.Register("busy", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		n := current.Inc()
		defer current.Dec()
		for {
			old := peak.Load()
			if n <= old || peak.CAS(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}))

	yaml := "name: wide\njobs:\n"
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		yaml += "  - id: " + id + "\n    action: {kind: busy}\n"
	}
	first := h.start(yaml, Trigger{})
	second := h.start(yaml, Trigger{})

	finish(t, first)
	finish(t, second)
	if peak.Load() > 2 {
		t.Fatalf("Too many concurrent jobs: %d", peak.Load())
	}
	if stats := h.scheduler.Stats(); stats.Finished != 2 || stats.Active != 0 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}
}

func TestRerun(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.start(`
name: broken
jobs:
  - id: build
    action: {kind: fail}
`, Trigger{Ref: "refs/heads/main", Variables: map[string]string{"region": "eu"}})
	finish(t, run)

	rerun, err := h.scheduler.Rerun(context.Background(), run.ID(), "carol")
	if err != nil {
		t.Fatal("Failed to rerun:", err)
	}
	snapshot := finish(t, rerun)
	if rerun.ID() == run.ID() {
		t.Fatal("Rerun must create a new run")
	}
	expected := Trigger{
		Pipeline:  "broken",
		Ref:       "refs/heads/main",
		Event:     EventRerun,
		Actor:     "carol",
		Variables: map[string]string{"region": "eu"},
		RerunOf:   run.ID(),
	}
	if diff := cmp.Diff(expected, snapshot.Trigger); diff != "" {
		t.Fatalf("Unexpected trigger (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	h := newHarness(t, Options{})
	finished := h.start(`
name: quick
jobs:
  - id: build
    action: {kind: noop}
`, Trigger{})
	finish(t, finished)

	h.hold("provision")
	active := h.start(deployYaml, Trigger{})

	if pruned := h.scheduler.Prune(time.Now().Add(time.Second)); pruned != 1 {
		t.Fatalf("Expected one pruned run, got %d", pruned)
	}
	if _, err := h.scheduler.Get(finished.ID()); !IsRunNotFound(err) {
		t.Fatalf("Expected pruned run to be forgotten, got %v", err)
	}
	if _, err := h.scheduler.Get(active.ID()); err != nil {
		t.Fatalf("Active run must be kept: %v", err)
	}

	if err := active.Cancel("alice"); err != nil {
		t.Fatal(err)
	}
	h.unhold("provision")
	finish(t, active)
}

type memoryRecorder struct {
	mu    sync.Mutex
	runs  map[string]Result
	jobs  map[string]JobStatus
	gates map[string]gates.Status
}

func (r *memoryRecorder) RecordRun(ctx context.Context, run *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run.Result
	return nil
}

func (r *memoryRecorder) RecordJob(ctx context.Context, runID string, job *JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Status
	return nil
}

func (r *memoryRecorder) RecordGate(ctx context.Context, runID string, gate *gates.Gate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[gate.ID] = gate.Status
	return nil
}

type channelNotifier chan *GateNotice

func (n channelNotifier) GateWaiting(ctx context.Context, notice *GateNotice) error {
	n <- notice
	return nil
}

func TestRecorderAndNotifier(t *testing.T) {
	recorder := &memoryRecorder{
		runs:  make(map[string]Result),
		jobs:  make(map[string]JobStatus),
		gates: make(map[string]gates.Status),
	}
	notifier := make(channelNotifier, 1)
	h := newHarness(t, Options{Recorder: recorder, Notifier: notifier})
	run := h.start(deployYaml, Trigger{Ref: "refs/heads/main"})

	select {
	case notice := <-notifier:
		if notice.RunID != run.ID() || notice.Gate.ID != "teardown" || notice.Ref != "refs/heads/main" {
			t.Fatalf("Unexpected notice: %+v", notice)
		}
		if diff := cmp.Diff([]string{"destroy"}, notice.Jobs); diff != "" {
			t.Fatalf("Unexpected jobs (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reviewers were not notified")
	}

	if _, err := run.SubmitApproval("teardown", gates.Approve, "alice"); err != nil {
		t.Fatal(err)
	}
	finish(t, run)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.runs[run.ID()] != ResultSucceeded {
		t.Fatalf("Final result must be recorded: %v", recorder.runs)
	}
	if diff := cmp.Diff(map[string]JobStatus{
		"build":     JobSucceeded,
		"provision": JobSucceeded,
		"destroy":   JobSucceeded,
	}, recorder.jobs); diff != "" {
		t.Fatalf("Unexpected recorded jobs (-want +got):\n%s", diff)
	}
	if recorder.gates["teardown"] != gates.StatusApproved {
		t.Fatalf("Gate decision must be recorded: %v", recorder.gates)
	}
}

const credentialsYaml = `
name: creds
jobs:
  - id: provision
    scopes: ["ec2:*", "s3:state"]
    action: {kind: creds}
  - id: lint
    action: {kind: creds}
`

func makeAssertion(t *testing.T, expiresAt time.Time) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, credentials.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://gitlab.example.com",
			Subject:   "project_path:infra/app:ref_type:branch:ref:main",
			Audience:  []string{"deploygate"},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestCredentials(t *testing.T) {
	verifier, err := credentials.NewVerifier([]config.TrustedIssuer{{
		URL:      "https://gitlab.example.com",
		Audience: "deploygate",
		Secret:   "secret",
	}})
	if err != nil {
		t.Fatal(err)
	}
	exchanger, err := credentials.NewLocalExchanger("deploygate", []byte("grant-key"))
	if err != nil {
		t.Fatal(err)
	}
	broker := credentials.NewBroker(verifier, exchanger, 15*time.Minute, time.Minute, zap.NewNop())

	h := newHarness(t, Options{Broker: broker})
	grants := make(map[string][]string)
	h.executor.Register("creds", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if grant := inv.Grant(); grant != nil {
			jobID, scopes, err := exchanger.ParseGrant(grant.Token)
			if err != nil || jobID != inv.Job.ID {
				return nil, errors.New("grant issued for another job")
			}
			grants[inv.Job.ID] = scopes
		}
		return nil, nil
	}))

	snapshot := finish(t, h.start(credentialsYaml, Trigger{Assertion: makeAssertion(t, time.Now().Add(time.Hour))}))
	if snapshot.Result != ResultSucceeded {
		t.Fatalf("Unexpected result: %s %+v", snapshot.Result, snapshot.Jobs)
	}
	if diff := cmp.Diff(map[string][]string{"provision": {"ec2:*", "s3:state"}}, grants); diff != "" {
		t.Fatalf("Unexpected grants (-want +got):\n%s", diff)
	}

	snapshot = finish(t, h.start(credentialsYaml, Trigger{Assertion: makeAssertion(t, time.Now().Add(-time.Minute))}))
	provision, _ := snapshot.Job("provision")
	if provision.Status != JobFailed || !strings.Contains(provision.Reason, "expired") {
		t.Fatalf("Expired assertion must fail the job: %+v", provision)
	}
	if lint, _ := snapshot.Job("lint"); lint.Status != JobSucceeded {
		t.Fatalf("Credential failure is local to the job: %+v", lint)
	}
}

// randomDefinition builds an acyclic pipeline: every job needs only jobs
// defined before it.
func randomDefinition(rng *rand.Rand, name string) *pipeline.Definition {
	def := &pipeline.Definition{Name: name}
	gateCount := rng.Intn(3)
	for i := 0; i < gateCount; i++ {
		def.Gates = append(def.Gates, pipeline.GateSpec{
			ID:        fmt.Sprintf("g%d", i),
			Approvers: []string{"alice"},
		})
	}

	jobs := 1 + rng.Intn(10)
	for i := 0; i < jobs; i++ {
		spec := pipeline.JobSpec{ID: fmt.Sprintf("j%d", i)}
		for dep := 0; dep < i; dep++ {
			if rng.Intn(3) == 0 {
				spec.Needs = append(spec.Needs, fmt.Sprintf("j%d", dep))
			}
		}
		if len(def.Gates) > 0 && rng.Intn(3) == 0 {
			spec.Gate = def.Gates[rng.Intn(len(def.Gates))].ID
		}
		switch rng.Intn(5) {
		case 0:
			spec.Action.Kind = "fail"
		case 1, 2:
			spec.Action.Kind = "slow"
		default:
			spec.Action.Kind = pipeline.ActionNoop
		}
		def.Jobs = append(def.Jobs, spec)
	}
	return def
}

func TestRandomGraphsTerminate(t *testing.T) {
	h := newHarness(t, Options{Workers: 3})
	h.executor.Register("slow", executor.ActionFunc(func(ctx context.Context, inv *executor.Invocation) (*executor.Diagnostic, error) {
		select {
		case <-time.After(2 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	for seed := int64(0); seed < 60; seed++ {
		rng := rand.New(rand.NewSource(seed))
		def := randomDefinition(rng, fmt.Sprintf("random-%d", seed))

		run, err := h.scheduler.Start(context.Background(), def, Trigger{})
		if err != nil {
			t.Fatalf("seed %d: failed to start: %v", seed, err)
		}

		var wg sync.WaitGroup
		failures := make(chan error, len(def.Gates)+1)
		for _, gate := range def.Gates {
			decision := gates.Approve
			if rng.Intn(2) == 0 {
				decision = gates.Reject
			}
			delay := time.Duration(rng.Intn(5)) * time.Millisecond
			wg.Add(1)
			go func(gateID string) {
				defer wg.Done()
				time.Sleep(delay)
				_, err := run.SubmitApproval(gateID, decision, "alice")
				if gates.IsUnauthorizedApprover(err) || gates.IsNotFound(err) {
					failures <- err
				}
			}(gate.ID)
		}

		cancelled := atomic.NewBool(false)
		if rng.Intn(5) == 0 {
			delay := time.Duration(rng.Intn(5)) * time.Millisecond
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(delay)
				err := run.Cancel("operator")
				switch {
				case err == nil:
					cancelled.Store(true)
				case !IsRunFinished(err):
					failures <- err
				}
			}()
		}

		snapshot := finish(t, run)
		wg.Wait()
		close(failures)
		for err := range failures {
			t.Errorf("seed %d: unexpected decision error: %v", seed, err)
		}

		status := statuses(snapshot)
		gateStatus := make(map[string]gates.Status, len(snapshot.Gates))
		for _, gate := range snapshot.Gates {
			gateStatus[gate.ID] = gate.Status
		}
		allSucceeded := true
		for _, spec := range def.Jobs {
			if !IsTerminal(status[spec.ID]) {
				t.Fatalf("seed %d: job %s left in %s", seed, spec.ID, status[spec.ID])
			}
			if status[spec.ID] != JobSucceeded {
				allSucceeded = false
				continue
			}
			for _, dep := range spec.Needs {
				if status[dep] != JobSucceeded {
					t.Fatalf("seed %d: job %s succeeded after %s ended %s", seed, spec.ID, dep, status[dep])
				}
			}
			if spec.Gate != "" && gateStatus[spec.Gate] != gates.StatusApproved {
				t.Fatalf("seed %d: job %s ran behind a %s gate", seed, spec.ID, gateStatus[spec.Gate])
			}
		}

		switch {
		case cancelled.Load():
			if snapshot.Result != ResultCancelled {
				t.Fatalf("seed %d: cancelled run ended %s", seed, snapshot.Result)
			}
		case allSucceeded:
			if snapshot.Result != ResultSucceeded {
				t.Fatalf("seed %d: successful run ended %s", seed, snapshot.Result)
			}
		default:
			if snapshot.Result != ResultFailed {
				t.Fatalf("seed %d: unsuccessful run ended %s", seed, snapshot.Result)
			}
		}
	}
}
