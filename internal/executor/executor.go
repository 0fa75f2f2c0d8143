package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexsergivan/transliterator"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/credentials"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

// Action performs one kind of job.
type Action interface {
	Run(ctx context.Context, inv *Invocation) (*Diagnostic, error)
}

type ActionFunc func(ctx context.Context, inv *Invocation) (*Diagnostic, error)

func (f ActionFunc) Run(ctx context.Context, inv *Invocation) (*Diagnostic, error) {
	return f(ctx, inv)
}

// Artifacts is the job's view of the artifact store.
type Artifacts interface {
	Put(name string, data []byte) error
	Get(producer, name string) ([]byte, error)
	Inputs() map[string][]string
}

// Credentials yields the job's current grant, re-issuing it when needed.
type Credentials interface {
	Grant(ctx context.Context) (*credentials.Grant, error)
}

type Invocation struct {
	RunID       string
	Job         *pipeline.JobSpec
	Env         Environment
	Credentials Credentials
	Artifacts   Artifacts

	// Set by the executor.
	WorkDir string
	Runner  CommandRunner

	mu    sync.Mutex
	grant *credentials.Grant
}

// Grant returns the grant obtained when the invocation started.
func (inv *Invocation) Grant() *credentials.Grant {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.grant
}

func (inv *Invocation) setGrant(grant *credentials.Grant) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.grant = grant
}

// ProcessEnv builds the environment of a child process: a minimal base taken
// from the daemon, the job environment and the credential grant.
func (inv *Invocation) ProcessEnv(extra map[string]string) []string {
	env := make([]string, 0)
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	env = append(env, inv.Env.List()...)
	if grant := inv.Grant(); grant != nil {
		for key, value := range grant.Env() {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

type Outcome struct {
	Err        error
	Diagnostic *Diagnostic
	Duration   time.Duration
}

func (o *Outcome) Succeeded() bool {
	return o.Err == nil
}

type Options struct {
	WorkDir string
	// SourceDir is the root relative terraform directories resolve against.
	// Defaults to the current directory.
	SourceDir   string
	Shell       string
	Terraform   string
	OutputLimit int64
	// RefreshInterval controls how often the credentials file of a running
	// job is checked for renewal.
	RefreshInterval time.Duration
}

type Executor struct {
	options  Options
	actions  map[string]Action
	runner   CommandRunner
	translit *transliterator.Transliterator
	logger   *zap.Logger
}

func New(options Options, logger *zap.Logger) *Executor {
	if options.Shell == "" {
		options.Shell = "sh"
	}
	if options.Terraform == "" {
		options.Terraform = "terraform"
	}
	if options.WorkDir == "" {
		options.WorkDir = os.TempDir()
	}
	if options.RefreshInterval <= 0 {
		options.RefreshInterval = 30 * time.Second
	}
	if source, err := filepath.Abs(options.SourceDir); err == nil {
		options.SourceDir = source
	}

	e := &Executor{
		options:  options,
		actions:  make(map[string]Action),
		runner:   execRunner{},
		translit: transliterator.NewTransliterator(nil),
		logger:   logger,
	}
	e.Register(pipeline.ActionNoop, ActionFunc(runNoop))
	e.Register(pipeline.ActionShell, &shellAction{shell: options.Shell})
	e.Register(pipeline.ActionTerraform, &terraformAction{binary: options.Terraform, sourceDir: options.SourceDir})
	return e
}

// Register adds or replaces the action for a kind.
func (e *Executor) Register(kind string, action Action) {
	e.actions[kind] = action
}

// SetRunner replaces the process runner used by command based actions.
func (e *Executor) SetRunner(runner CommandRunner) {
	e.runner = runner
}

func (e *Executor) slug(name string) string {
	transliterated := e.translit.Transliterate(name, "en")
	return strings.Map(func(ch rune) rune {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			return ch
		case ch == '-', ch == '_':
			return ch
		}
		return '_'
	}, transliterated)
}

// Execute runs one job invocation. It never retries.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) *Outcome {
	start := time.Now()
	logger := e.logger.With(lf.RunID(inv.RunID), lf.JobID(inv.Job.ID), lf.Action(inv.Job.Action.Kind))

	diag, err := e.execute(ctx, inv, logger)
	if diag == nil {
		diag = &Diagnostic{}
	}
	if err != nil && diag.Error == "" {
		diag.Error = err.Error()
	}
	diag.Stdout = truncate(diag.Stdout, e.options.OutputLimit)
	diag.Stderr = truncate(diag.Stderr, e.options.OutputLimit)

	outcome := &Outcome{Err: err, Diagnostic: diag, Duration: time.Since(start)}
	if err != nil {
		logger.Warn("Job failed", zap.Error(err), zap.Int("exit_code", diag.ExitCode), zap.Duration("duration", outcome.Duration))
	} else {
		logger.Info("Job finished", zap.Duration("duration", outcome.Duration))
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, inv *Invocation, logger *zap.Logger) (*Diagnostic, error) {
	action, found := e.actions[inv.Job.Action.Kind]
	if !found {
		return nil, errors.Errorf("Unknown action kind %q", inv.Job.Action.Kind)
	}

	if inv.Job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Job.Timeout)
		defer cancel()
	}

	runDir := filepath.Join(e.options.WorkDir, e.slug(inv.RunID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "Failed to create run directory")
	}
	// Every invocation gets its own directory even if job slugs collide.
	workDir, err := os.MkdirTemp(runDir, e.slug(inv.Job.ID)+"-")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create work directory")
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("Failed to remove work directory", zap.String("dir", workDir), zap.Error(err))
		}
	}()
	inv.WorkDir = workDir
	inv.Runner = e.runner

	if inv.Credentials != nil {
		grant, err := inv.Credentials.Grant(ctx)
		if err != nil {
			return nil, err
		}
		inv.setGrant(grant)

		stop, err := e.refreshCredentials(ctx, inv, logger)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	logger.Info("Starting job")
	return action.Run(ctx, inv)
}

const tokenFile = ".deploygate-token"

// refreshCredentials keeps a token file in the work directory current for
// processes that outlive their first grant.
func (e *Executor) refreshCredentials(ctx context.Context, inv *Invocation, logger *zap.Logger) (func(), error) {
	path := filepath.Join(inv.WorkDir, tokenFile)
	write := func(grant *credentials.Grant) error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(grant.Token), 0o600); err != nil {
			return errors.Wrap(err, "Failed to write credentials file")
		}
		return errors.Wrap(os.Rename(tmp, path), "Failed to write credentials file")
	}
	if err := write(inv.Grant()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.options.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			grant, err := inv.Credentials.Grant(ctx)
			if err != nil {
				logger.Warn("Failed to renew credentials", zap.Error(err))
				continue
			}
			if grant == inv.Grant() {
				continue
			}
			inv.setGrant(grant)
			if err := write(grant); err != nil {
				logger.Warn("Failed to store renewed credentials", zap.Error(err))
			} else {
				logger.Info("Renewed credentials", zap.Time("expires_at", grant.ExpiresAt))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func truncate(output string, limit int64) string {
	if limit <= 0 || int64(len(output)) <= limit {
		return output
	}
	return "...(truncated)\n" + output[int64(len(output))-limit:]
}

func runNoop(ctx context.Context, inv *Invocation) (*Diagnostic, error) {
	return &Diagnostic{}, ctx.Err()
}
