package models

import (
	"time"
)

const (
	RunResultRunning   = "running"
	RunResultSucceeded = "succeeded"
	RunResultFailed    = "failed"
	RunResultCancelled = "cancelled"
)

type RunResult = string

type Run struct {
	ID       string `gorm:"primaryKey"`
	Pipeline string `gorm:"index"`

	Ref       string
	Event     string
	Actor     string
	RerunOf   *string
	Variables map[string]string `gorm:"serializer:json"`

	Result     RunResult `gorm:"index"`
	CreatedAt  time.Time
	FinishedAt *time.Time
}
