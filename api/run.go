package api

import "time"

type Diagnostic struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type Job struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Gate       string      `json:"gate,omitempty"`
	Needs      []string    `json:"needs,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

type Gate struct {
	ID         string     `json:"id"`
	Approvers  []string   `json:"approvers"`
	Blocks     []string   `json:"blocks,omitempty"`
	Timeout    string     `json:"timeout,omitempty"`
	Status     string     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type Run struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline"`
	Ref        string            `json:"ref,omitempty"`
	Event      string            `json:"event"`
	Actor      string            `json:"actor,omitempty"`
	RerunOf    string            `json:"rerun_of,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Result     string            `json:"result"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Jobs       []Job             `json:"jobs,omitempty"`
	Gates      []Gate            `json:"gates,omitempty"`
}

// Finished reports whether the run reached a final result.
func (r *Run) Finished() bool {
	return r.Result != "" && r.Result != "running"
}
