package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const waitDelay = time.Second

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Diagnostic is the opaque failure payload recorded for a job.
type Diagnostic struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    string
}

func (d *Diagnostic) append(other *Diagnostic) {
	if other == nil {
		return
	}
	d.Stdout += other.Stdout
	d.Stderr += other.Stderr
	d.ExitCode = other.ExitCode
	if other.Error != "" {
		d.Error = other.Error
	}
}

// CommandRunner starts external processes on behalf of actions.
type CommandRunner interface {
	Run(ctx context.Context, cmd *Command) (*Diagnostic, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, command *Command) (*Diagnostic, error) {
	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	// Children of an interrupted shell may keep the output pipes open.
	cmd.WaitDelay = waitDelay

	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	diag := &Diagnostic{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			diag.ExitCode = exitError.ExitCode()
		} else {
			diag.ExitCode = -1
		}
		diag.Error = err.Error()
		return diag, err
	}
	return diag, nil
}
