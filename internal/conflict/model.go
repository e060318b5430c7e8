package conflict

import (
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryTimeOverlap          Category = "time_overlap"
	CategoryDoubleBooking        Category = "double_booking"
	CategoryCapacityExceeded     Category = "capacity_exceeded"
	CategoryDoctorUnavailable    Category = "doctor_unavailable"
	CategoryEquipmentUnavailable Category = "equipment_unavailable"
	CategoryEmergencyOverride    Category = "emergency_override"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for prioritization, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type MedicalRisk string

const (
	RiskNone   MedicalRisk = "none"
	RiskLow    MedicalRisk = "low"
	RiskMedium MedicalRisk = "medium"
	RiskHigh   MedicalRisk = "high"
)

type Disruption string

const (
	DisruptionNone     Disruption = "none"
	DisruptionMinor    Disruption = "minor"
	DisruptionModerate Disruption = "moderate"
	DisruptionSevere   Disruption = "severe"
)

// Impact quantifies how far a conflict reaches.
type Impact struct {
	AffectedAppointments  int
	AffectedPatients      int
	MedicalRisk           MedicalRisk
	OperationalDisruption Disruption
}

// Conflict is one detected scheduling violation. Immutable once detected;
// only the resolver changes its lifecycle state.
type Conflict struct {
	ID         uuid.UUID
	Category   Category
	Severity   Severity
	SlotIDs    []uuid.UUID
	PatientIDs []uuid.UUID
	DoctorID   uuid.UUID
	ClinicID   uuid.UUID
	ServiceID  uuid.UUID
	DetectedAt time.Time
	Priority   int
	Impact     Impact
}

func disruptionFor(appointments int) Disruption {
	switch {
	case appointments >= 5:
		return DisruptionSevere
	case appointments >= 3:
		return DisruptionModerate
	case appointments >= 1:
		return DisruptionMinor
	}
	return DisruptionNone
}

func maxRisk(a, b MedicalRisk) MedicalRisk {
	rank := func(r MedicalRisk) int {
		switch r {
		case RiskHigh:
			return 3
		case RiskMedium:
			return 2
		case RiskLow:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
