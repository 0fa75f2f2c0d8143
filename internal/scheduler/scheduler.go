package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bigredeye/deploygate/internal/artifacts"
	"github.com/bigredeye/deploygate/internal/credentials"
	"github.com/bigredeye/deploygate/internal/executor"
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/graph"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

type JobExecutor interface {
	Execute(ctx context.Context, inv *executor.Invocation) *executor.Outcome
}

type Options struct {
	// Workers bounds the number of jobs running at once across all runs.
	Workers int64
	// GateTimeout applies to gates that declare no timeout. Zero blocks
	// until the gate is resolved or the run is cancelled.
	GateTimeout time.Duration
	Broker      *credentials.Broker
	Recorder    Recorder
	Notifier    Notifier
}

type Stats struct {
	Started  int64
	Active   int64
	Running  int64
	Finished int64
}

type Scheduler struct {
	executor    JobExecutor
	store       *artifacts.Store
	broker      *credentials.Broker
	recorder    Recorder
	notifier    Notifier
	gateTimeout time.Duration
	workers     *semaphore.Weighted
	logger      *zap.Logger

	started  atomic.Int64
	finished atomic.Int64
	running  atomic.Int64

	mu   sync.RWMutex
	runs map[string]*Run
}

func New(exec JobExecutor, store *artifacts.Store, options Options, logger *zap.Logger) *Scheduler {
	if options.Workers <= 0 {
		options.Workers = 1
	}
	if options.Recorder == nil {
		options.Recorder = NopRecorder{}
	}
	if options.Notifier == nil {
		options.Notifier = NopNotifier{}
	}
	return &Scheduler{
		executor:    exec,
		store:       store,
		broker:      options.Broker,
		recorder:    options.Recorder,
		notifier:    options.Notifier,
		gateTimeout: options.GateTimeout,
		workers:     semaphore.NewWeighted(options.Workers),
		logger:      logger,
		runs:        make(map[string]*Run),
	}
}

// Start validates the definition and starts a new run. Nothing is executed
// when the job graph is invalid.
func (s *Scheduler) Start(ctx context.Context, def *pipeline.Definition, trigger Trigger) (*Run, error) {
	g, err := graph.New(def)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid pipeline %s", def.Name)
	}
	if trigger.Pipeline == "" {
		trigger.Pipeline = def.Name
	}
	if trigger.Event == "" {
		trigger.Event = EventManual
	}

	run := newRun(s, uuid.NewString(), def, g, trigger)
	for _, spec := range def.Gates {
		timeout := spec.Timeout
		if timeout == 0 {
			timeout = s.gateTimeout
		}
		if _, err := run.gates.Open(spec.ID, spec.Approvers, def.GatedJobs(spec.ID), timeout); err != nil {
			return nil, errors.Wrapf(err, "Failed to open gate %s", spec.ID)
		}
	}

	s.mu.Lock()
	s.runs[run.id] = run
	s.mu.Unlock()

	s.started.Inc()
	s.logger.Info("Starting run",
		lf.RunID(run.id),
		lf.Pipeline(def.Name),
		lf.Ref(trigger.Ref),
		zap.String("event", trigger.Event),
	)

	snapshot := run.Snapshot()
	if err := s.recorder.RecordRun(ctx, snapshot); err != nil {
		s.logger.Warn("Failed to record run", lf.RunID(run.id), zap.Error(err))
	}

	go run.loop()
	return run, nil
}

func (s *Scheduler) Get(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, found := s.runs[runID]
	if !found {
		return nil, &RunNotFoundError{RunID: runID}
	}
	return run, nil
}

// List returns snapshots of known runs, newest first.
func (s *Scheduler) List() []*Snapshot {
	s.mu.RLock()
	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	result := make([]*Snapshot, 0, len(runs))
	for _, run := range runs {
		result = append(result, run.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (s *Scheduler) SubmitApproval(runID, gateID string, decision gates.Decision, actor string) (gates.Gate, error) {
	run, err := s.Get(runID)
	if err != nil {
		return gates.Gate{}, err
	}
	return run.SubmitApproval(gateID, decision, actor)
}

func (s *Scheduler) Cancel(runID, actor string) error {
	run, err := s.Get(runID)
	if err != nil {
		return err
	}
	return run.Cancel(actor)
}

// Rerun dispatches a new run with the definition and trigger of a previous one.
func (s *Scheduler) Rerun(ctx context.Context, runID, actor string) (*Run, error) {
	previous, err := s.Get(runID)
	if err != nil {
		return nil, err
	}

	trigger := previous.trigger
	trigger.Event = EventRerun
	trigger.RerunOf = previous.id
	if actor != "" {
		trigger.Actor = actor
	}
	return s.Start(ctx, previous.def, trigger)
}

// Shutdown cancels every active run and waits for their loops to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	for _, run := range runs {
		if err := run.Cancel(gates.ActorCancel); err != nil && !IsRunFinished(err) {
			return err
		}
	}
	for _, run := range runs {
		if _, err := run.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) Stats() Stats {
	started := s.started.Load()
	finished := s.finished.Load()
	return Stats{
		Started:  started,
		Active:   started - finished,
		Running:  s.running.Load(),
		Finished: finished,
	}
}
