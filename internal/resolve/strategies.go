package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
)

// ErrConflictUnresolvable means no safe automatic strategy exists for the
// conflict. It is always escalated to the manual queue, never discarded.
var ErrConflictUnresolvable = errors.New("no safe automatic resolution for conflict")

// Strategy resolves one conflict category. Implementations either apply
// mutations through the store and return the applied actions, or return
// ErrConflictUnresolvable to force escalation.
type Strategy interface {
	Resolve(ctx context.Context, c conflict.Conflict) ([]Action, error)
}

// strategyDeps is shared plumbing for the built-in strategies.
type strategyDeps struct {
	store    *slot.Store
	queue    *waitlist.Queue
	deadline time.Duration // patient confirmation window
	holdTTL  time.Duration // temporary reservation ttl for proposed slots
	retries  int
	now      func() time.Time
}

func (d *strategyDeps) loadSlots(ctx context.Context, ids []uuid.UUID) ([]slot.TimeSlot, error) {
	out := make([]slot.TimeSlot, 0, len(ids))
	for _, id := range ids {
		s, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conflict slot %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// moveBooking relocates an appointment from one slot to another with bounded
// optimistic retries. Returns the pre-mutation states for the rollback plan.
func (d *strategyDeps) moveBooking(ctx context.Context, fromID, toID uuid.UUID) (before [2]slot.TimeSlot, err error) {
	for attempt := 0; attempt <= d.retries; attempt++ {
		from, gerr := d.store.Get(ctx, fromID)
		if gerr != nil {
			return before, gerr
		}
		to, gerr := d.store.Get(ctx, toID)
		if gerr != nil {
			return before, gerr
		}
		if from.Status != slot.StatusBooked {
			return before, fmt.Errorf("slot %s no longer booked: %w", fromID, ErrConflictUnresolvable)
		}
		if to.Status != slot.StatusAvailable {
			return before, fmt.Errorf("slot %s no longer available: %w", toID, ErrConflictUnresolvable)
		}

		apptID, patientID := from.AppointmentID, from.PatientID

		if _, err = d.store.Mutate(ctx, fromID, from.Version, slot.Transition{
			To:     slot.StatusAvailable,
			Reason: "conflict resolution",
		}); err != nil {
			if errors.Is(err, slot.ErrVersionConflict) {
				continue
			}
			return before, err
		}

		if _, err = d.store.Mutate(ctx, toID, to.Version, slot.Transition{
			To:            slot.StatusBooked,
			AppointmentID: apptID,
			PatientID:     patientID,
			Reason:        "conflict resolution",
		}); err != nil {
			// Put the original booking back before reporting failure.
			if cur, gerr := d.store.Get(ctx, fromID); gerr == nil {
				_, _ = d.store.Mutate(ctx, fromID, cur.Version, slot.Transition{
					To:            slot.StatusBooked,
					AppointmentID: apptID,
					PatientID:     patientID,
					Reason:        "resolution undo",
				})
			}
			if errors.Is(err, slot.ErrVersionConflict) {
				continue
			}
			return before, err
		}

		return [2]slot.TimeSlot{from, to}, nil
	}
	return before, fmt.Errorf("move booking %s -> %s: %w", fromID, toID, slot.ErrVersionConflict)
}

// findOpenSlot returns the earliest available slot for the doctor that does
// not overlap any of the doctor's active bookings, excluding the given ids.
func (d *strategyDeps) findOpenSlot(ctx context.Context, doctorID uuid.UUID, exclude map[uuid.UUID]bool) (slot.TimeSlot, error) {
	docID := doctorID
	open, err := d.store.Query(ctx, slot.Filter{
		DoctorID: &docID,
		Statuses: []slot.Status{slot.StatusAvailable},
		From:     d.now(),
	})
	if err != nil {
		return slot.TimeSlot{}, err
	}
	active, err := d.store.Query(ctx, slot.Filter{
		DoctorID: &docID,
		Statuses: []slot.Status{slot.StatusBooked, slot.StatusReserved},
	})
	if err != nil {
		return slot.TimeSlot{}, err
	}

	for _, cand := range open {
		if exclude[cand.ID] {
			continue
		}
		clear := true
		for _, b := range active {
			if cand.Overlaps(b) {
				clear = false
				break
			}
		}
		if clear {
			return cand, nil
		}
	}
	return slot.TimeSlot{}, ErrConflictUnresolvable
}

func (d *strategyDeps) confirmBy() *time.Time {
	t := d.now().Add(d.deadline)
	return &t
}

// timeOverlapStrategy reschedules the later-starting of two overlapping
// bookings onto a free slot of the same doctor.
type timeOverlapStrategy struct {
	*strategyDeps
}

func (s *timeOverlapStrategy) Resolve(ctx context.Context, c conflict.Conflict) ([]Action, error) {
	slots, err := s.loadSlots(ctx, c.SlotIDs)
	if err != nil {
		return nil, err
	}
	if len(slots) < 2 {
		return nil, ErrConflictUnresolvable
	}

	// The later-starting booking moves; the earlier one stays in place.
	mover := slots[0]
	for _, cand := range slots[1:] {
		if cand.Start.After(mover.Start) {
			mover = cand
		}
	}
	if mover.Status != slot.StatusBooked {
		for _, cand := range slots {
			if cand.Status == slot.StatusBooked {
				mover = cand
				break
			}
		}
	}
	if mover.Status != slot.StatusBooked {
		return nil, ErrConflictUnresolvable
	}

	exclude := make(map[uuid.UUID]bool, len(c.SlotIDs))
	for _, id := range c.SlotIDs {
		exclude[id] = true
	}
	target, err := s.findOpenSlot(ctx, mover.DoctorID, exclude)
	if err != nil {
		return nil, err
	}

	before, err := s.moveBooking(ctx, mover.ID, target.ID)
	if err != nil {
		return nil, err
	}

	targetID := target.ID
	return []Action{{
		ID:                   uuid.New(),
		Type:                 ActionReschedule,
		ConflictID:           c.ID,
		TargetSlotID:         mover.ID,
		AppointmentID:        before[0].AppointmentID,
		NewSlotID:            &targetID,
		Automated:            true,
		RequiresConfirmation: true,
		ConfirmBy:            s.confirmBy(),
		Risk:                 RiskLevelLow,
		Rollback: RollbackPlan{
			CanRollback: true,
			TimeLimit:   s.deadline,
			Deadline:    *s.confirmBy(),
			Steps: []RollbackStep{
				restoreStep(before[1], "release rescheduled slot"),
				restoreStep(before[0], "restore original booking"),
			},
			PreservedFields: []string{"appointment_id", "patient_id", "slot_status"},
		},
		Applied:   true,
		CreatedAt: s.now(),
	}}, nil
}

// doubleBookingStrategy keeps the more urgent (or earlier) of a patient's
// overlapping bookings and moves the other one.
type doubleBookingStrategy struct {
	*strategyDeps
}

func (s *doubleBookingStrategy) Resolve(ctx context.Context, c conflict.Conflict) ([]Action, error) {
	slots, err := s.loadSlots(ctx, c.SlotIDs)
	if err != nil {
		return nil, err
	}
	var booked []slot.TimeSlot
	for _, cand := range slots {
		if cand.Status == slot.StatusBooked {
			booked = append(booked, cand)
		}
	}
	if len(booked) < 2 {
		return nil, ErrConflictUnresolvable
	}

	keep, move := booked[0], booked[1]
	switch {
	case keep.Urgent != move.Urgent:
		if move.Urgent {
			keep, move = move, keep
		}
	case move.Start.Before(keep.Start):
		keep, move = move, keep
	}

	exclude := make(map[uuid.UUID]bool, len(c.SlotIDs))
	for _, id := range c.SlotIDs {
		exclude[id] = true
	}
	target, err := s.findOpenSlot(ctx, move.DoctorID, exclude)
	if err != nil {
		return nil, err
	}

	before, err := s.moveBooking(ctx, move.ID, target.ID)
	if err != nil {
		return nil, err
	}

	targetID := target.ID
	return []Action{{
		ID:            uuid.New(),
		Type:          ActionMove,
		ConflictID:    c.ID,
		TargetSlotID:  move.ID,
		AppointmentID: before[0].AppointmentID,
		NewSlotID:     &targetID,
		Automated:     true,
		Risk:          RiskLevelMedium,
		Rollback: RollbackPlan{
			CanRollback: true,
			TimeLimit:   s.deadline,
			Deadline:    *s.confirmBy(),
			Steps: []RollbackStep{
				restoreStep(before[1], "release relocated slot"),
				restoreStep(before[0], "restore original booking"),
			},
			PreservedFields: []string{"appointment_id", "patient_id", "slot_status"},
		},
		Applied:   true,
		CreatedAt: s.now(),
	}}, nil
}

// capacityStrategy waitlists the newest excess booking instead of forcing a
// reschedule, since no concrete alternative slot is guaranteed to exist.
type capacityStrategy struct {
	*strategyDeps
}

func (s *capacityStrategy) Resolve(ctx context.Context, c conflict.Conflict) ([]Action, error) {
	slots, err := s.loadSlots(ctx, c.SlotIDs)
	if err != nil {
		return nil, err
	}

	var excess *slot.TimeSlot
	for i := range slots {
		cand := &slots[i]
		if cand.Status != slot.StatusBooked || cand.Urgent {
			continue
		}
		if excess == nil || cand.UpdatedAt.After(excess.UpdatedAt) {
			excess = cand
		}
	}
	if excess == nil {
		return nil, ErrConflictUnresolvable
	}

	before := *excess
	patientID := *excess.PatientID

	released, err := s.store.Mutate(ctx, excess.ID, excess.Version, slot.Transition{
		To:     slot.StatusAvailable,
		Reason: "capacity resolution",
	})
	if err != nil {
		return nil, err
	}
	_ = released

	entry := waitlist.Entry{
		PatientID: patientID,
		ClinicID:  excess.ClinicID,
		ServiceID: excess.ServiceID,
		Urgency:   0,
	}
	if _, err := s.queue.Enqueue(ctx, entry); err != nil {
		// Restore the booking; waitlisting without capacity is a hard failure.
		if cur, gerr := s.store.Get(ctx, excess.ID); gerr == nil {
			_, _ = s.store.Mutate(ctx, excess.ID, cur.Version, slot.Transition{
				To:            slot.StatusBooked,
				AppointmentID: before.AppointmentID,
				PatientID:     before.PatientID,
				Reason:        "waitlist full, booking restored",
			})
		}
		return nil, err
	}

	return []Action{{
		ID:            uuid.New(),
		Type:          ActionWaitlist,
		ConflictID:    c.ID,
		TargetSlotID:  excess.ID,
		AppointmentID: before.AppointmentID,
		Automated:     true,
		Risk:          RiskLevelLow,
		Rollback: RollbackPlan{
			CanRollback: true,
			TimeLimit:   s.deadline,
			Deadline:    *s.confirmBy(),
			Steps: []RollbackStep{
				restoreStep(before, "restore waitlisted booking"),
			},
			PreservedFields: []string{"appointment_id", "patient_id", "slot_status"},
		},
		Applied:   true,
		CreatedAt: s.now(),
	}}, nil
}

// doctorUnavailableStrategy proposes up to two reschedules onto doctors at
// the same clinic with open capacity in the same window. Each proposal
// requires explicit patient confirmation because the clinician changes; the
// candidate slot is held with a temporary reservation until then.
type doctorUnavailableStrategy struct {
	*strategyDeps
}

func (s *doctorUnavailableStrategy) Resolve(ctx context.Context, c conflict.Conflict) ([]Action, error) {
	slots, err := s.loadSlots(ctx, c.SlotIDs)
	if err != nil {
		return nil, err
	}
	var booked *slot.TimeSlot
	for i := range slots {
		if slots[i].Status == slot.StatusBooked {
			booked = &slots[i]
			break
		}
	}
	if booked == nil {
		return nil, ErrConflictUnresolvable
	}

	clinicID, serviceID := booked.ClinicID, booked.ServiceID
	open, err := s.store.Query(ctx, slot.Filter{
		ClinicID:  &clinicID,
		ServiceID: &serviceID,
		Statuses:  []slot.Status{slot.StatusAvailable},
		From:      booked.Start.Add(-2 * time.Hour),
		To:        booked.End.Add(2 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	var actions []Action
	proposed := make(map[uuid.UUID]bool)
	for _, cand := range open {
		if cand.DoctorID == booked.DoctorID || proposed[cand.DoctorID] {
			continue
		}
		if !s.store.DoctorAvailable(cand.DoctorID) {
			continue
		}

		held, err := s.store.ReserveTemporarily(ctx, cand.ID, *booked.PatientID, s.holdTTL)
		if err != nil {
			continue
		}
		proposed[cand.DoctorID] = true

		heldID := held.ID
		actions = append(actions, Action{
			ID:                   uuid.New(),
			Type:                 ActionReschedule,
			ConflictID:           c.ID,
			TargetSlotID:         booked.ID,
			AppointmentID:        booked.AppointmentID,
			NewSlotID:            &heldID,
			Automated:            false,
			RequiresConfirmation: true,
			ConfirmBy:            s.confirmBy(),
			Risk:                 RiskLevelMedium,
			Rollback: RollbackPlan{
				// Nothing was applied to the original booking; the hold on
				// the candidate expires on its own.
				CanRollback: false,
			},
			CreatedAt: s.now(),
		})
		if len(actions) == 2 {
			break
		}
	}

	if len(actions) == 0 {
		return nil, ErrConflictUnresolvable
	}
	return actions, nil
}
