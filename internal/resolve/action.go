package resolve

import (
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/slot"
)

type ActionType string

const (
	ActionReschedule ActionType = "reschedule"
	ActionCancel     ActionType = "cancel"
	ActionMove       ActionType = "move"
	ActionSplit      ActionType = "split"
	ActionMerge      ActionType = "merge"
	ActionOverbook   ActionType = "overbook"
	ActionWaitlist   ActionType = "waitlist"
)

type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// RollbackStep restores one slot to a captured prior state.
type RollbackStep struct {
	SlotID        uuid.UUID
	RestoreStatus slot.Status
	AppointmentID *uuid.UUID
	PatientID     *uuid.UUID
	Description   string
}

// RollbackPlan makes an applied action reversible until its window expires,
// after which the action becomes irreversible.
type RollbackPlan struct {
	CanRollback     bool
	TimeLimit       time.Duration
	Deadline        time.Time
	Steps           []RollbackStep
	PreservedFields []string
}

// Action is a single reversible mutation proposed or applied to resolve a
// conflict.
type Action struct {
	ID                   uuid.UUID
	Type                 ActionType
	ConflictID           uuid.UUID
	TargetSlotID         uuid.UUID
	AppointmentID        *uuid.UUID
	NewSlotID            *uuid.UUID
	Automated            bool
	RequiresConfirmation bool
	ConfirmBy            *time.Time
	Risk                 RiskLevel
	Rollback             RollbackPlan
	Applied              bool
	CreatedAt            time.Time
}

// restoreStep captures the pre-mutation state of a slot as a rollback step.
func restoreStep(before slot.TimeSlot, description string) RollbackStep {
	return RollbackStep{
		SlotID:        before.ID,
		RestoreStatus: before.Status,
		AppointmentID: before.AppointmentID,
		PatientID:     before.PatientID,
		Description:   description,
	}
}
