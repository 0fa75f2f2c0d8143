package models

import (
	"time"
)

type Job struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"uniqueIndex:idx_run_job"`
	JobID string `gorm:"uniqueIndex:idx_run_job"`

	Status string
	Reason string
	Gate   string

	StartedAt  *time.Time
	FinishedAt *time.Time

	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}
