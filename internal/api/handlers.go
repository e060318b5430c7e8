package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/booking"
	"github.com/careflow/scheduling-core/internal/capacity"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

func createBookingHandler(svc *booking.Service, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		domainReq, err := toDomainRequest(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		outcome, err := svc.Book(r.Context(), domainReq)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		status := http.StatusCreated
		if outcome.Status != booking.OutcomeConfirmed {
			status = http.StatusConflict
		}
		writeJSON(w, status, toOutcomeResponse(outcome))
	}
}

func resolveConflictsHandler(svc *booking.Service, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		ids := make([]uuid.UUID, 0, len(req.ConflictIDs))
		for _, raw := range req.ConflictIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_conflict_id", "conflict ids must be valid UUIDs")
				return
			}
			ids = append(ids, id)
		}

		result := svc.ResolveBatch(r.Context(), ids)
		writeJSON(w, http.StatusOK, toResolutionResponse(result))
	}
}

func availabilityHandler(svc *booking.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := slot.Filter{}

		if id, ok, err := queryUUID(r, "service_id"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", err.Error())
			return
		} else if ok {
			filter.ServiceID = &id
		}
		if id, ok, err := queryUUID(r, "clinic_id"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", err.Error())
			return
		} else if ok {
			filter.ClinicID = &id
		}
		if id, ok, err := queryUUID(r, "doctor_id"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", err.Error())
			return
		} else if ok {
			filter.DoctorID = &id
		}
		if t, ok, err := queryTime(r, "from"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
			return
		} else if ok {
			filter.From = t
		}
		if t, ok, err := queryTime(r, "to"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
			return
		} else if ok {
			filter.To = t
		}

		byDate, err := svc.Availability(r.Context(), filter)
		if err != nil {
			writeInternalError(w, logger, "availability query failed", "internal_error", err)
			return
		}

		resp := make(map[string][]SlotResponse, len(byDate))
		for date, slots := range byDate {
			out := make([]SlotResponse, 0, len(slots))
			for _, s := range slots {
				out = append(out, toSlotResponse(s))
			}
			resp[date] = out
		}
		writeJSON(w, http.StatusOK, map[string]any{"dates": resp})
	}
}

func waitTimeEstimateHandler(estimator *waittime.Estimator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, ok, err := queryUUID(r, "service_id")
		if err != nil || !ok {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id is required and must be a UUID")
			return
		}
		clinicID, ok, err := queryUUID(r, "clinic_id")
		if err != nil || !ok {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id is required and must be a UUID")
			return
		}

		tuple := waittime.Tuple{ServiceID: serviceID, ClinicID: clinicID}
		if doctorID, ok, err := queryUUID(r, "doctor_id"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", err.Error())
			return
		} else if ok {
			tuple.DoctorID = &doctorID
		}

		est, err := estimator.Estimate(r.Context(), tuple)
		if err != nil {
			writeInternalError(w, logger, "wait-time estimate failed", "estimate_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toEstimateResponse(est))
	}
}

func capacityPlanHandler(planner *capacity.Planner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID, ok, err := queryUUID(r, "clinic_id")
		if err != nil || !ok {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id is required and must be a UUID")
			return
		}

		rng := capacity.DateRange{}
		if t, ok, err := queryTime(r, "from"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
			return
		} else if ok {
			rng.From = t
		}
		if t, ok, err := queryTime(r, "to"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
			return
		} else if ok {
			rng.To = t
		}

		report, err := planner.Plan(r.Context(), clinicID, rng)
		if err != nil {
			writeInternalError(w, logger, "capacity plan failed", "plan_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toCapacityReportResponse(report))
	}
}

func createSlotHandler(store *slot.Store, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		doctorID, _ := uuid.Parse(req.DoctorID)
		clinicID, _ := uuid.Parse(req.ClinicID)
		serviceID, _ := uuid.Parse(req.ServiceID)
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC3339")
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_time", "end_time must be RFC3339")
			return
		}

		created, err := store.Create(r.Context(), slot.TimeSlot{
			DoctorID:  doctorID,
			ClinicID:  clinicID,
			ServiceID: serviceID,
			Start:     start,
			End:       end,
			Urgent:    req.Urgent,
		})
		if err != nil {
			writeError(w, http.StatusConflict, "slot_rejected", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, toSlotResponse(created))
	}
}

func cancelBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "id")
		id, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a valid UUID")
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func rollbackActionHandler(resolver *resolve.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "id")
		id, err := uuid.Parse(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_action_id", "id must be a valid UUID")
			return
		}

		if err := resolver.Rollback(r.Context(), id); err != nil {
			handleRollbackError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, slot.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, slot.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "the requested slot state change is not allowed")
	case errors.Is(err, slot.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "slot changed concurrently, please retry")
	case errors.Is(err, booking.ErrSlotNotBookable):
		writeError(w, http.StatusConflict, "slot_not_bookable", "slot is not available for booking")
	case errors.Is(err, booking.ErrNoPreferredSlot):
		writeError(w, http.StatusUnprocessableEntity, "no_slot_available", "no preferred slot given and no alternatives exist")
	case errors.Is(err, waitlist.ErrCapacityExceededFatal):
		writeError(w, http.StatusConflict, "waitlist_capacity_exhausted", "clinic is at capacity and the waitlist is full")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}

func handleRollbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolve.ErrActionNotFound):
		writeError(w, http.StatusNotFound, "action_not_found", err.Error())
	case errors.Is(err, resolve.ErrRollbackExpired):
		writeError(w, http.StatusConflict, "rollback_expired", err.Error())
	case errors.Is(err, resolve.ErrRollbackNotAllowed):
		writeError(w, http.StatusConflict, "rollback_not_allowed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}

func toOutcomeResponse(o *booking.Outcome) BookingOutcomeResponse {
	resp := BookingOutcomeResponse{
		Status:           string(o.Status),
		Alternatives:     toAlternativeResponses(o.Alternatives),
		WaitlistPosition: o.WaitlistPosition,
	}
	if o.Appointment != nil {
		resp.Appointment = &AppointmentResponse{
			ID:        o.Appointment.ID,
			SlotID:    o.Appointment.SlotID,
			PatientID: o.Appointment.PatientID,
			CreatedAt: o.Appointment.CreatedAt,
		}
	}
	for _, c := range o.Conflicts {
		resp.Conflicts = append(resp.Conflicts, ConflictResponse{
			ID:         c.ID,
			Category:   string(c.Category),
			Severity:   string(c.Severity),
			SlotIDs:    c.SlotIDs,
			Priority:   c.Priority,
			DetectedAt: c.DetectedAt,
		})
	}
	if o.Resolution != nil {
		r := toResolutionResponse(o.Resolution)
		resp.Resolution = &r
	}
	for _, a := range o.Actions {
		resp.Actions = append(resp.Actions, toActionResponse(a))
	}
	if o.EstimatedWait != nil {
		e := toEstimateResponse(*o.EstimatedWait)
		resp.EstimatedWait = &e
	}
	return resp
}

func toDomainRequest(req BookingRequest) (booking.Request, error) {
	out := booking.Request{
		TimeFlexibility:   req.TimeFlexibility,
		DoctorFlexibility: req.DoctorFlexibility,
		ClinicFlexibility: req.ClinicFlexibility,
		DateFlexibility:   req.DateFlexibility,
		Urgent:            req.Urgent,
	}

	var err error
	if out.PatientID, err = uuid.Parse(req.PatientID); err != nil {
		return out, errors.New("patient_id must be a valid UUID")
	}
	if out.ServiceID, err = uuid.Parse(req.ServiceID); err != nil {
		return out, errors.New("service_id must be a valid UUID")
	}
	if out.ClinicID, err = uuid.Parse(req.ClinicID); err != nil {
		return out, errors.New("clinic_id must be a valid UUID")
	}
	if req.DoctorID != "" {
		id, err := uuid.Parse(req.DoctorID)
		if err != nil {
			return out, errors.New("doctor_id must be a valid UUID")
		}
		out.DoctorID = &id
	}
	if req.PreferredSlotID != "" {
		id, err := uuid.Parse(req.PreferredSlotID)
		if err != nil {
			return out, errors.New("preferred_slot_id must be a valid UUID")
		}
		out.PreferredSlotID = &id
	}
	if req.EarliestTime != "" {
		if out.Earliest, err = time.Parse(time.RFC3339, req.EarliestTime); err != nil {
			return out, errors.New("earliest_time must be RFC3339")
		}
	}
	if req.LatestTime != "" {
		if out.Latest, err = time.Parse(time.RFC3339, req.LatestTime); err != nil {
			return out, errors.New("latest_time must be RFC3339")
		}
	}
	for _, raw := range req.PreferredDoctorIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, errors.New("preferred_doctor_ids must be valid UUIDs")
		}
		out.PreferredDoctorIDs = append(out.PreferredDoctorIDs, id)
	}
	for _, raw := range req.PreferredClinicIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, errors.New("preferred_clinic_ids must be valid UUIDs")
		}
		out.PreferredClinicIDs = append(out.PreferredClinicIDs, id)
	}
	return out, nil
}

func queryUUID(r *http.Request, key string) (uuid.UUID, bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, errors.New(key + " must be a valid UUID")
	}
	return id, true, nil
}

func queryTime(r *http.Request, key string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, errors.New(key + " must be RFC3339 or YYYY-MM-DD")
}
