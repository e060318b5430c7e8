package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/capacity"
	"github.com/careflow/scheduling-core/internal/rank"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waittime"
)

type BookingRequest struct {
	PatientID          string   `json:"patient_id" validate:"required,uuid"`
	ServiceID          string   `json:"service_id" validate:"required,uuid"`
	ClinicID           string   `json:"clinic_id" validate:"required,uuid"`
	DoctorID           string   `json:"doctor_id" validate:"omitempty,uuid"`
	PreferredSlotID    string   `json:"preferred_slot_id" validate:"omitempty,uuid"`
	EarliestTime       string   `json:"earliest_time" validate:"omitempty"`
	LatestTime         string   `json:"latest_time" validate:"omitempty"`
	PreferredDoctorIDs []string `json:"preferred_doctor_ids" validate:"omitempty,dive,uuid"`
	PreferredClinicIDs []string `json:"preferred_clinic_ids" validate:"omitempty,dive,uuid"`
	TimeFlexibility    float64  `json:"time_flexibility" validate:"gte=0,lte=1"`
	DoctorFlexibility  float64  `json:"doctor_flexibility" validate:"gte=0,lte=1"`
	ClinicFlexibility  float64  `json:"clinic_flexibility" validate:"gte=0,lte=1"`
	DateFlexibility    float64  `json:"date_flexibility" validate:"gte=0,lte=1"`
	Urgent             bool     `json:"urgent"`
}

type ResolveRequest struct {
	ConflictIDs []string `json:"conflict_ids" validate:"required,min=1,dive,uuid"`
}

type CreateSlotRequest struct {
	DoctorID  string `json:"doctor_id" validate:"required,uuid"`
	ClinicID  string `json:"clinic_id" validate:"required,uuid"`
	ServiceID string `json:"service_id" validate:"required,uuid"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
	Urgent    bool   `json:"urgent"`
}

type AppointmentResponse struct {
	ID        uuid.UUID `json:"id"`
	SlotID    uuid.UUID `json:"slot_id"`
	PatientID uuid.UUID `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	ClinicID      uuid.UUID  `json:"clinic_id"`
	ServiceID     uuid.UUID  `json:"service_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Urgent        bool       `json:"urgent,omitempty"`
	BlockReason   string     `json:"block_reason,omitempty"`
	Version       uint64     `json:"version"`
}

func toSlotResponse(s slot.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		DoctorID:      s.DoctorID,
		ClinicID:      s.ClinicID,
		ServiceID:     s.ServiceID,
		StartTime:     s.Start,
		EndTime:       s.End,
		Status:        string(s.Status),
		AppointmentID: s.AppointmentID,
		Urgent:        s.Urgent,
		BlockReason:   s.BlockReason,
		Version:       s.Version,
	}
}

type ConflictResponse struct {
	ID         uuid.UUID   `json:"id"`
	Category   string      `json:"category"`
	Severity   string      `json:"severity"`
	SlotIDs    []uuid.UUID `json:"slot_ids"`
	Priority   int         `json:"priority"`
	DetectedAt time.Time   `json:"detected_at"`
}

type ActionResponse struct {
	ID                   uuid.UUID  `json:"id"`
	Type                 string     `json:"type"`
	TargetSlotID         uuid.UUID  `json:"target_slot_id,omitempty"`
	NewSlotID            *uuid.UUID `json:"new_slot_id,omitempty"`
	Automated            bool       `json:"is_automated"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	ConfirmBy            *time.Time `json:"confirm_by,omitempty"`
	CanRollback          bool       `json:"can_rollback"`
}

func toActionResponse(a resolve.Action) ActionResponse {
	return ActionResponse{
		ID:                   a.ID,
		Type:                 string(a.Type),
		TargetSlotID:         a.TargetSlotID,
		NewSlotID:            a.NewSlotID,
		Automated:            a.Automated,
		RequiresConfirmation: a.RequiresConfirmation,
		ConfirmBy:            a.ConfirmBy,
		CanRollback:          a.Rollback.CanRollback,
	}
}

type ResolutionResponse struct {
	Success              bool             `json:"success"`
	ResolvedIDs          []uuid.UUID      `json:"resolved_conflict_ids"`
	UnresolvedIDs        []uuid.UUID      `json:"unresolved_conflict_ids"`
	Actions              []ActionResponse `json:"actions"`
	AffectedAppointments []uuid.UUID      `json:"affected_appointments"`
	SuccessRate          float64          `json:"success_rate"`
	ElapsedMs            int64            `json:"elapsed_ms"`
	Recommendations      []string         `json:"recommendations,omitempty"`
}

func toResolutionResponse(r *resolve.ResolutionResult) ResolutionResponse {
	actions := make([]ActionResponse, 0, len(r.Actions))
	for _, a := range r.Actions {
		actions = append(actions, toActionResponse(a))
	}
	return ResolutionResponse{
		Success:              r.Success,
		ResolvedIDs:          r.ResolvedIDs,
		UnresolvedIDs:        r.UnresolvedIDs,
		Actions:              actions,
		AffectedAppointments: r.AffectedAppointments,
		SuccessRate:          r.SuccessRate,
		ElapsedMs:            r.Elapsed.Milliseconds(),
		Recommendations:      r.Recommendations,
	}
}

type AlternativeResponse struct {
	Slot        SlotResponse `json:"slot"`
	Score       float64      `json:"score"`
	Compromises []string     `json:"compromises,omitempty"`
	Risks       []string     `json:"risks,omitempty"`
	Benefits    []string     `json:"benefits,omitempty"`
}

func toAlternativeResponses(alts []rank.Alternative) []AlternativeResponse {
	out := make([]AlternativeResponse, 0, len(alts))
	for _, a := range alts {
		out = append(out, AlternativeResponse{
			Slot:        toSlotResponse(a.Slot),
			Score:       a.Score,
			Compromises: a.Compromises,
			Risks:       a.Risks,
			Benefits:    a.Benefits,
		})
	}
	return out
}

type EstimateResponse struct {
	ServiceID       uuid.UUID  `json:"service_id"`
	ClinicID        uuid.UUID  `json:"clinic_id"`
	DoctorID        *uuid.UUID `json:"doctor_id,omitempty"`
	EstimatedWait   float64    `json:"estimated_wait_minutes"`
	Confidence      int        `json:"confidence"`
	IsPeak          bool       `json:"is_peak"`
	BookedSlots     int        `json:"booked_slots"`
	AvailableSlots  int        `json:"available_slots"`
	WaitlistedCount int        `json:"waitlisted_count"`
	ComputedAt      time.Time  `json:"computed_at"`
}

func toEstimateResponse(e waittime.Estimate) EstimateResponse {
	return EstimateResponse{
		ServiceID:       e.Tuple.ServiceID,
		ClinicID:        e.Tuple.ClinicID,
		DoctorID:        e.Tuple.DoctorID,
		EstimatedWait:   e.Minutes,
		Confidence:      e.Confidence,
		IsPeak:          e.Peak.IsPeak,
		BookedSlots:     e.Capacity.Booked,
		AvailableSlots:  e.Capacity.Available,
		WaitlistedCount: e.Capacity.Waitlisted,
		ComputedAt:      e.ComputedAt,
	}
}

type BookingOutcomeResponse struct {
	Status           string                `json:"status"`
	Appointment      *AppointmentResponse  `json:"appointment,omitempty"`
	Conflicts        []ConflictResponse    `json:"conflicts,omitempty"`
	Resolution       *ResolutionResponse   `json:"resolution,omitempty"`
	Actions          []ActionResponse      `json:"actions,omitempty"`
	Alternatives     []AlternativeResponse `json:"alternatives,omitempty"`
	WaitlistPosition int                   `json:"waitlist_position,omitempty"`
	EstimatedWait    *EstimateResponse     `json:"estimated_wait,omitempty"`
}

type BottleneckResponse struct {
	Area     string   `json:"area"`
	Severity string   `json:"severity"`
	Factors  []string `json:"factors"`
}

type RecommendationResponse struct {
	Priority              int     `json:"priority"`
	Action                string  `json:"action"`
	ExpectedWaitReduction float64 `json:"expected_wait_reduction_pct"`
	CostImpact            string  `json:"cost_impact"`
	Effort                string  `json:"effort"`
}

type CapacityReportResponse struct {
	ClinicID         uuid.UUID                `json:"clinic_id"`
	From             time.Time                `json:"from"`
	To               time.Time                `json:"to"`
	CurrentLoad      float64                  `json:"current_load"`
	ProjectedLoad    float64                  `json:"projected_load"`
	StaffUtilization float64                  `json:"staff_utilization"`
	WaitlistDepth    int                      `json:"waitlist_depth"`
	AvgEstimatedWait float64                  `json:"avg_estimated_wait_minutes"`
	Bottlenecks      []BottleneckResponse     `json:"bottlenecks"`
	Recommendations  []RecommendationResponse `json:"recommendations"`
	GeneratedAt      time.Time                `json:"generated_at"`
}

func toCapacityReportResponse(r capacity.Report) CapacityReportResponse {
	resp := CapacityReportResponse{
		ClinicID:         r.ClinicID,
		From:             r.Range.From,
		To:               r.Range.To,
		CurrentLoad:      r.CurrentLoad,
		ProjectedLoad:    r.ProjectedLoad,
		StaffUtilization: r.StaffUtilization,
		WaitlistDepth:    r.WaitlistDepth,
		AvgEstimatedWait: r.AvgEstimatedWait,
		GeneratedAt:      r.GeneratedAt,
	}
	for _, b := range r.Bottlenecks {
		resp.Bottlenecks = append(resp.Bottlenecks, BottleneckResponse{
			Area:     b.Area,
			Severity: string(b.Severity),
			Factors:  b.Factors,
		})
	}
	for _, rec := range r.Recommendations {
		resp.Recommendations = append(resp.Recommendations, RecommendationResponse{
			Priority:              rec.Priority,
			Action:                rec.Action,
			ExpectedWaitReduction: rec.ExpectedWaitReduction,
			CostImpact:            rec.CostImpact,
			Effort:                rec.Effort,
		})
	}
	return resp
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
