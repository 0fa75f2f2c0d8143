package models

import (
	"time"
)

type Gate struct {
	ID     uint   `gorm:"primaryKey"`
	RunID  string `gorm:"uniqueIndex:idx_run_gate"`
	GateID string `gorm:"uniqueIndex:idx_run_gate"`

	Approvers  []string `gorm:"serializer:json"`
	Status     string
	ResolvedBy string
	OpenedAt   time.Time
	ResolvedAt *time.Time
}
