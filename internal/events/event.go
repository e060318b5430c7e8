package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAvailabilityUpdated  Type = "availability_updated"
	TypeSlotReleased         Type = "slot_released"
	TypeConflictDetected     Type = "conflict_detected"
	TypeAppointmentCancelled Type = "appointment_cancelled"
	TypeWaitlistNotification Type = "waitlist_notification"
)

// Scope identifies the service/clinic/doctor tuple an event belongs to.
// Subscribers register per scope and receive only matching events.
type Scope struct {
	ServiceID uuid.UUID `json:"service_id"`
	ClinicID  uuid.UUID `json:"clinic_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
}

func (s Scope) Channel() string {
	return fmt.Sprintf("sched:events:%s:%s:%s", s.ServiceID, s.ClinicID, s.DoctorID)
}

// Event is a single committed state change. The store emits exactly one
// event per committed mutation, never batched.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       Type           `json:"type"`
	Scope      Scope          `json:"scope"`
	SlotID     uuid.UUID      `json:"slot_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func New(t Type, scope Scope, slotID uuid.UUID, payload map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		Scope:      scope,
		SlotID:     slotID,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
}
