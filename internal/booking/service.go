package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/events"
	"github.com/careflow/scheduling-core/internal/rank"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

var (
	ErrSlotNotBookable = errors.New("slot is not bookable")
	ErrNoPreferredSlot = errors.New("no preferred slot and no alternatives available")
)

type OutcomeStatus string

const (
	OutcomeConfirmed  OutcomeStatus = "confirmed"
	OutcomeConflict   OutcomeStatus = "conflict"
	OutcomeWaitlisted OutcomeStatus = "waitlisted"
)

// Appointment is the booking reference written into a slot.
type Appointment struct {
	ID        uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	CreatedAt time.Time
}

// Request is one incoming booking attempt with the patient's constraints.
type Request struct {
	PatientID          uuid.UUID
	ServiceID          uuid.UUID
	ClinicID           uuid.UUID
	DoctorID           *uuid.UUID
	PreferredSlotID    *uuid.UUID
	Earliest           time.Time
	Latest             time.Time
	PreferredDoctorIDs []uuid.UUID
	PreferredClinicIDs []uuid.UUID
	TimeFlexibility    float64
	DoctorFlexibility  float64
	ClinicFlexibility  float64
	DateFlexibility    float64
	Urgent             bool
}

func (r Request) rankRequest() rank.Request {
	return rank.Request{
		PatientID:          r.PatientID,
		ServiceID:          r.ServiceID,
		ClinicID:           r.ClinicID,
		DoctorID:           r.DoctorID,
		Earliest:           r.Earliest,
		Latest:             r.Latest,
		PreferredDoctorIDs: r.PreferredDoctorIDs,
		PreferredClinicIDs: r.PreferredClinicIDs,
		TimeFlexibility:    r.TimeFlexibility,
		DoctorFlexibility:  r.DoctorFlexibility,
		ClinicFlexibility:  r.ClinicFlexibility,
		DateFlexibility:    r.DateFlexibility,
		Urgent:             r.Urgent,
	}
}

// Outcome is what a booking attempt produced: a confirmation, a conflict
// report with ranked alternatives, or a waitlist position.
type Outcome struct {
	Status           OutcomeStatus
	Appointment      *Appointment
	Conflicts        []conflict.Conflict
	Resolution       *resolve.ResolutionResult
	Actions          []resolve.Action
	Alternatives     []rank.Alternative
	WaitlistPosition int
	EstimatedWait    *waittime.Estimate
}

// Config tunes the booking flow.
type Config struct {
	DailyCapacity int // booked-slots-per-day cap per clinic/service tuple
	MaxRetries    int // bounded optimistic retries on version conflicts
}

// Service orchestrates the booking flow over the store, detector, resolver,
// ranker, waitlist and estimator.
type Service struct {
	store     *slot.Store
	detector  *conflict.Detector
	registry  *conflict.Registry
	resolver  *resolve.Resolver
	ranker    *rank.Ranker
	queue     *waitlist.Queue
	estimator *waittime.Estimator
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(store *slot.Store, detector *conflict.Detector, registry *conflict.Registry,
	resolver *resolve.Resolver, ranker *rank.Ranker, queue *waitlist.Queue,
	estimator *waittime.Estimator, publisher events.Publisher, logger *zap.Logger, cfg Config) *Service {

	if cfg.DailyCapacity <= 0 {
		cfg.DailyCapacity = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Service{
		store:     store,
		detector:  detector,
		registry:  registry,
		resolver:  resolver,
		ranker:    ranker,
		queue:     queue,
		estimator: estimator,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Book attempts to satisfy one booking request. The decision order is:
// capacity check, direct booking of the preferred slot, conflict detection
// and resolution, then ranked alternatives or the waitlist.
func (s *Service) Book(ctx context.Context, req Request) (*Outcome, error) {
	day := req.Earliest
	if req.PreferredSlotID != nil {
		if preferred, err := s.store.Get(ctx, *req.PreferredSlotID); err == nil {
			day = preferred.Start
		}
	}

	atCapacity, err := s.atDailyCapacity(ctx, req.ClinicID, req.ServiceID, day)
	if err != nil {
		return nil, err
	}
	if atCapacity {
		return s.waitlistOutcome(ctx, req)
	}

	if req.PreferredSlotID == nil {
		return s.alternativesOutcome(ctx, req, nil)
	}

	appt, booked, err := s.bookSlot(ctx, *req.PreferredSlotID, req.PatientID)
	if err != nil {
		if errors.Is(err, ErrSlotNotBookable) || errors.Is(err, slot.ErrVersionConflict) {
			conflicts := s.detectAndRegister(ctx, []uuid.UUID{*req.PreferredSlotID})
			return s.alternativesOutcome(ctx, req, conflicts)
		}
		return nil, err
	}

	s.invalidateEstimate(booked)

	conflicts := s.detectAndRegister(ctx, []uuid.UUID{booked.ID})
	if len(conflicts) == 0 {
		return &Outcome{Status: OutcomeConfirmed, Appointment: appt}, nil
	}

	result := s.resolver.ResolveConflicts(ctx, conflicts)
	out := &Outcome{
		Status:      OutcomeConfirmed,
		Appointment: appt,
		Conflicts:   conflicts,
		Resolution:  result,
		Actions:     result.Actions,
	}
	if len(result.UnresolvedIDs) > 0 {
		out.Status = OutcomeConflict
		alts, err := s.ranker.FindAlternatives(ctx, req.rankRequest(), conflicts)
		if err != nil {
			s.logger.Warn("rank alternatives", zap.Error(err))
		}
		out.Alternatives = alts
	}
	return out, nil
}

// ResolveBatch resolves a batch of previously detected conflicts by id.
// Unknown ids are reported unresolved rather than dropped.
func (s *Service) ResolveBatch(ctx context.Context, conflictIDs []uuid.UUID) *resolve.ResolutionResult {
	var known []conflict.Conflict
	var unknown []uuid.UUID
	for _, id := range conflictIDs {
		c, err := s.registry.Get(id)
		if err != nil {
			unknown = append(unknown, id)
			continue
		}
		known = append(known, c)
	}

	result := s.resolver.ResolveConflicts(ctx, known)
	if len(unknown) > 0 {
		result.UnresolvedIDs = append(result.UnresolvedIDs, unknown...)
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("%d conflict ids were unknown or already retired", len(unknown)))
		total := len(conflictIDs)
		result.SuccessRate = float64(total-len(result.UnresolvedIDs)) / float64(total) * 100
		result.Success = len(result.UnresolvedIDs) == 0
	}
	return result
}

// Cancel releases a booked slot and offers it to the waitlist.
func (s *Service) Cancel(ctx context.Context, slotID uuid.UUID) error {
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		cur, err := s.store.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if cur.Status != slot.StatusBooked {
			return fmt.Errorf("slot %s is %s: %w", slotID, cur.Status, slot.ErrInvalidTransition)
		}
		released, err := s.store.Mutate(ctx, slotID, cur.Version, slot.Transition{
			To:     slot.StatusAvailable,
			Reason: "patient cancellation",
		})
		if err != nil {
			if errors.Is(err, slot.ErrVersionConflict) {
				continue
			}
			return err
		}
		s.invalidateEstimate(released)
		s.queue.MatchSlot(ctx, released)
		return nil
	}
	return slot.ErrVersionConflict
}

// Availability lists matching slots grouped by date (YYYY-MM-DD).
func (s *Service) Availability(ctx context.Context, f slot.Filter) (map[string][]slot.TimeSlot, error) {
	slots, err := s.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string][]slot.TimeSlot)
	for _, sl := range slots {
		key := sl.Start.Format("2006-01-02")
		byDate[key] = append(byDate[key], sl)
	}
	return byDate, nil
}

// bookSlot books one slot with bounded optimistic retries.
func (s *Service) bookSlot(ctx context.Context, slotID, patientID uuid.UUID) (*Appointment, slot.TimeSlot, error) {
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		cur, err := s.store.Get(ctx, slotID)
		if err != nil {
			return nil, slot.TimeSlot{}, err
		}
		if cur.Status != slot.StatusAvailable {
			return nil, slot.TimeSlot{}, fmt.Errorf("slot %s is %s: %w", slotID, cur.Status, ErrSlotNotBookable)
		}

		apptID := uuid.New()
		booked, err := s.store.Mutate(ctx, slotID, cur.Version, slot.Transition{
			To:            slot.StatusBooked,
			AppointmentID: &apptID,
			PatientID:     &patientID,
			Reason:        "booking",
		})
		if err != nil {
			if errors.Is(err, slot.ErrVersionConflict) {
				continue
			}
			return nil, slot.TimeSlot{}, err
		}

		return &Appointment{
			ID:        apptID,
			SlotID:    slotID,
			PatientID: patientID,
			CreatedAt: s.now(),
		}, booked, nil
	}
	return nil, slot.TimeSlot{}, slot.ErrVersionConflict
}

func (s *Service) atDailyCapacity(ctx context.Context, clinicID, serviceID uuid.UUID, day time.Time) (bool, error) {
	if day.IsZero() {
		day = s.now()
	}
	dayStart := day.Truncate(24 * time.Hour)
	cid, sid := clinicID, serviceID
	booked, err := s.store.Query(ctx, slot.Filter{
		ClinicID:  &cid,
		ServiceID: &sid,
		Statuses:  []slot.Status{slot.StatusBooked},
		From:      dayStart,
		To:        dayStart.Add(24 * time.Hour),
	})
	if err != nil {
		return false, fmt.Errorf("capacity check: %w", err)
	}
	return len(booked) >= s.cfg.DailyCapacity, nil
}

// waitlistOutcome enqueues the request instead of reshuffling existing
// bookings. The waitlist action is automated and needs no confirmation.
func (s *Service) waitlistOutcome(ctx context.Context, req Request) (*Outcome, error) {
	entry := waitlist.Entry{
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ClinicID:    req.ClinicID,
		ServiceID:   req.ServiceID,
		WindowStart: req.Earliest,
		WindowEnd:   req.Latest,
		Urgency:     urgencyOf(req),
	}
	pos, err := s.queue.Enqueue(ctx, entry)
	if err != nil {
		// ErrCapacityExceededFatal surfaces to the caller as a hard failure.
		return nil, err
	}

	action := resolve.Action{
		ID:                   uuid.New(),
		Type:                 resolve.ActionWaitlist,
		Automated:            true,
		RequiresConfirmation: false,
		Risk:                 resolve.RiskLevelLow,
		CreatedAt:            s.now(),
	}

	out := &Outcome{
		Status:           OutcomeWaitlisted,
		Actions:          []resolve.Action{action},
		WaitlistPosition: pos,
	}
	if est, err := s.estimator.Estimate(ctx, waittime.Tuple{
		ServiceID: req.ServiceID,
		ClinicID:  req.ClinicID,
		DoctorID:  req.DoctorID,
	}); err == nil {
		out.EstimatedWait = &est
	}
	return out, nil
}

func (s *Service) alternativesOutcome(ctx context.Context, req Request, conflicts []conflict.Conflict) (*Outcome, error) {
	alts, err := s.ranker.FindAlternatives(ctx, req.rankRequest(), conflicts)
	if err != nil {
		return nil, err
	}
	if len(alts) == 0 {
		if req.PreferredSlotID == nil {
			return nil, ErrNoPreferredSlot
		}
		return s.waitlistOutcome(ctx, req)
	}
	return &Outcome{
		Status:       OutcomeConflict,
		Conflicts:    conflicts,
		Alternatives: alts,
	}, nil
}

// detectAndRegister runs detection, registers pending conflicts, and emits
// one conflict_detected event per finding.
func (s *Service) detectAndRegister(ctx context.Context, slotIDs []uuid.UUID) []conflict.Conflict {
	conflicts, err := s.detector.Detect(ctx, slotIDs)
	if err != nil {
		s.logger.Error("conflict detection", zap.Error(err))
		return nil
	}
	for _, c := range conflicts {
		s.registry.Add(c)
		if s.publisher != nil {
			ev := events.New(events.TypeConflictDetected, events.Scope{
				ServiceID: c.ServiceID,
				ClinicID:  c.ClinicID,
				DoctorID:  c.DoctorID,
			}, firstSlotID(c), map[string]any{
				"conflict_id": c.ID.String(),
				"category":    string(c.Category),
				"severity":    string(c.Severity),
			})
			if err := s.publisher.Publish(ctx, ev); err != nil {
				s.logger.Warn("publish conflict event", zap.Error(err))
			}
		}
	}
	return conflicts
}

func (s *Service) invalidateEstimate(sl slot.TimeSlot) {
	docID := sl.DoctorID
	s.estimator.Invalidate(waittime.Tuple{ServiceID: sl.ServiceID, ClinicID: sl.ClinicID})
	s.estimator.Invalidate(waittime.Tuple{ServiceID: sl.ServiceID, ClinicID: sl.ClinicID, DoctorID: &docID})
}

func urgencyOf(req Request) int {
	if req.Urgent {
		return 10
	}
	return 0
}

func firstSlotID(c conflict.Conflict) uuid.UUID {
	if len(c.SlotIDs) > 0 {
		return c.SlotIDs[0]
	}
	return uuid.Nil
}
