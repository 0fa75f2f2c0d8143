package main

import (
	"github.com/bigredeye/deploygate/internal/gates"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

// lazyApprovals forwards bot decisions to a scheduler created after the bot.
type lazyApprovals struct {
	scheduler *scheduler.Scheduler
}

func (a *lazyApprovals) SubmitApproval(runID, gateID string, decision gates.Decision, actor string) (gates.Gate, error) {
	return a.scheduler.SubmitApproval(runID, gateID, decision, actor)
}
