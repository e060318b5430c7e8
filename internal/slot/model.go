package slot

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusBooked      Status = "booked"
	StatusReserved    Status = "reserved"
	StatusBlocked     Status = "blocked"
	StatusMaintenance Status = "maintenance"
)

var (
	ErrSlotNotFound      = errors.New("slot not found")
	ErrInvalidTransition = errors.New("invalid slot status transition")
	ErrVersionConflict   = errors.New("slot version conflict, re-read and retry")
	ErrSlotOccupied      = errors.New("slot already has an active appointment")
)

// legalTransitions is the slot status state machine. Anything not listed
// is rejected with ErrInvalidTransition, notably blocked -> booked.
var legalTransitions = map[Status][]Status{
	StatusAvailable:   {StatusReserved, StatusBooked, StatusBlocked, StatusMaintenance},
	StatusReserved:    {StatusAvailable, StatusBooked},
	StatusBooked:      {StatusAvailable},
	StatusBlocked:     {StatusAvailable, StatusMaintenance},
	StatusMaintenance: {StatusAvailable},
}

func canTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TimeSlot is the atomic bookable unit: one interval owned by one doctor.
// Version is a per-slot monotonically increasing counter; every mutation
// must present the last-seen version and is rejected when it is stale.
type TimeSlot struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	ClinicID      uuid.UUID
	ServiceID     uuid.UUID
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	Status        Status
	AppointmentID *uuid.UUID
	PatientID     *uuid.UUID
	Urgent        bool
	// BlockReason is set while Status is blocked, e.g. "equipment_failure"
	// or "emergency". Cleared on any transition out of blocked.
	BlockReason string
	Version     uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Overlaps reports whether the [Start, End) intervals of two slots intersect.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// consistent enforces the occupancy invariant: a booked slot always has an
// appointment reference, an available slot never does.
func (s TimeSlot) consistent() bool {
	switch s.Status {
	case StatusBooked:
		return s.AppointmentID != nil && s.PatientID != nil
	case StatusAvailable, StatusBlocked, StatusMaintenance:
		return s.AppointmentID == nil && s.PatientID == nil
	}
	return true
}

// Transition describes a requested status change for one slot.
type Transition struct {
	To            Status
	AppointmentID *uuid.UUID
	PatientID     *uuid.UUID
	Reason        string
}

// Filter selects slots from the store. Nil pointer fields match anything;
// From/To bound the slot interval when non-zero.
type Filter struct {
	DoctorID  *uuid.UUID
	ClinicID  *uuid.UUID
	ServiceID *uuid.UUID
	PatientID *uuid.UUID
	Statuses  []Status
	From      time.Time
	To        time.Time
	Urgent    *bool
}

func (f Filter) matches(s TimeSlot) bool {
	if f.DoctorID != nil && s.DoctorID != *f.DoctorID {
		return false
	}
	if f.ClinicID != nil && s.ClinicID != *f.ClinicID {
		return false
	}
	if f.ServiceID != nil && s.ServiceID != *f.ServiceID {
		return false
	}
	if f.PatientID != nil && (s.PatientID == nil || *s.PatientID != *f.PatientID) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && !s.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.Start.Before(f.To) {
		return false
	}
	if f.Urgent != nil && s.Urgent != *f.Urgent {
		return false
	}
	return true
}
