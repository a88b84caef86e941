package models

import (
	"time"

	"github.com/timeline-harvester/internal/types"
)

// Run triggers
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// AccountOutcome is the result of walking one account's feed
type AccountOutcome struct {
	Account   types.Account       `json:"account" db:"account"`
	Status    types.AccountStatus `json:"status" db:"status"`
	Pages     int                 `json:"pages" db:"pages"`
	Collected int                 `json:"collected" db:"collected"`
	Truncated bool                `json:"truncated" db:"truncated"` // max page bound reached
	Error     string              `json:"error,omitempty" db:"error"`
}

// RunReport is the outcome of one harvest run, persisted in the run ledger
type RunReport struct {
	RunID       string                 `json:"runId" db:"run_id"`
	Window      types.ExtractionWindow `json:"window"`
	Trigger     string                 `json:"trigger" db:"trigger"`
	Status      types.RunStatus        `json:"status" db:"status"`
	FailedStage types.Stage            `json:"failedStage,omitempty" db:"failed_stage"`
	Error       string                 `json:"error,omitempty" db:"error"`
	Staged      int64                  `json:"staged" db:"staged"`
	Inserted    int64                  `json:"inserted" db:"inserted"`
	StartedAt   time.Time              `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time             `json:"completedAt,omitempty" db:"completed_at"`
	Accounts    []AccountOutcome       `json:"accounts"`
}

// Succeeded reports whether every stage after the walk completed
func (r *RunReport) Succeeded() bool {
	return r.Status == types.RunStatusSucceeded
}

// CountByStatus returns how many accounts ended with the given status
func (r *RunReport) CountByStatus(status types.AccountStatus) int {
	n := 0
	for _, a := range r.Accounts {
		if a.Status == status {
			n++
		}
	}
	return n
}
