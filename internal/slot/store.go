package slot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/events"
)

type entry struct {
	slot  TimeSlot
	lease *lease
}

type lease struct {
	holder    uuid.UUID
	expiresAt time.Time
}

// Store is the canonical in-memory arena of slots and the single source of
// truth for every other component. All mutation paths funnel through
// applyLocked, which bumps the per-slot version and records exactly one
// event per committed change.
type Store struct {
	mu          sync.RWMutex
	slots       map[uuid.UUID]*entry
	awayDoctors map[uuid.UUID]bool

	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(publisher events.Publisher, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		slots:       make(map[uuid.UUID]*entry),
		awayDoctors: make(map[uuid.UUID]bool),
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a newly published slot. Status defaults to available.
func (s *Store) Create(ctx context.Context, slot TimeSlot) (TimeSlot, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	if slot.Status == "" {
		slot.Status = StatusAvailable
	}
	if !slot.End.After(slot.Start) {
		return TimeSlot{}, fmt.Errorf("slot %s: end must be after start", slot.ID)
	}
	slot.Duration = slot.End.Sub(slot.Start)
	if !slot.consistent() {
		return TimeSlot{}, fmt.Errorf("slot %s: status %s inconsistent with occupant: %w",
			slot.ID, slot.Status, ErrInvalidTransition)
	}

	now := s.now()
	slot.Version = 1
	slot.CreatedAt = now
	slot.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.slots[slot.ID]; exists {
		s.mu.Unlock()
		return TimeSlot{}, fmt.Errorf("slot %s already exists", slot.ID)
	}
	s.slots[slot.ID] = &entry{slot: slot}
	s.mu.Unlock()

	s.emit(ctx, events.TypeAvailabilityUpdated, slot, map[string]any{"change": "created"})
	return slot, nil
}

// Get returns the current state of a slot. An expired temporary hold is
// released before the slot is returned, so callers never observe a stale
// reservation.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (TimeSlot, error) {
	s.mu.RLock()
	e, ok := s.slots[id]
	if !ok {
		s.mu.RUnlock()
		return TimeSlot{}, ErrSlotNotFound
	}
	expired := s.leaseExpired(e)
	slot := e.slot
	s.mu.RUnlock()

	if expired {
		if released, ok := s.releaseExpired(ctx, id); ok {
			return released, nil
		}
		return s.Get(ctx, id)
	}
	return slot, nil
}

// Query returns all matching slots ordered by start time.
func (s *Store) Query(ctx context.Context, f Filter) ([]TimeSlot, error) {
	s.mu.RLock()
	var out []TimeSlot
	var expired []uuid.UUID
	for id, e := range s.slots {
		if s.leaseExpired(e) {
			expired = append(expired, id)
			continue
		}
		if f.matches(e.slot) {
			out = append(out, e.slot)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if released, ok := s.releaseExpired(ctx, id); ok && f.matches(released) {
			out = append(out, released)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// Mutate applies a status transition using optimistic concurrency. A stale
// expectedVersion fails with ErrVersionConflict and the caller must re-read
// and retry; an illegal transition fails with ErrInvalidTransition.
func (s *Store) Mutate(ctx context.Context, id uuid.UUID, expectedVersion uint64, tr Transition) (TimeSlot, error) {
	// Reservations carry a lease the store must expire; a reservation made
	// here would never time out. ReserveTemporarily is the only way in.
	if tr.To == StatusReserved {
		return TimeSlot{}, fmt.Errorf("reserved is only reachable through ReserveTemporarily: %w", ErrInvalidTransition)
	}

	s.mu.Lock()
	e, ok := s.slots[id]
	if !ok {
		s.mu.Unlock()
		return TimeSlot{}, ErrSlotNotFound
	}
	if s.leaseExpired(e) {
		s.expireLeaseLocked(ctx, e)
	}
	if e.slot.Version != expectedVersion {
		s.mu.Unlock()
		return TimeSlot{}, fmt.Errorf("slot %s at version %d, caller saw %d: %w",
			id, e.slot.Version, expectedVersion, ErrVersionConflict)
	}

	updated, evType, err := s.applyLocked(e, tr)
	if err != nil {
		s.mu.Unlock()
		return TimeSlot{}, err
	}
	s.mu.Unlock()

	payload := map[string]any{"status": string(updated.Status)}
	if tr.Reason != "" {
		payload["reason"] = tr.Reason
	}
	s.emit(ctx, evType, updated, payload)
	return updated, nil
}

// ReserveTemporarily places a time-boxed hold on an available slot. The hold
// reverts to available automatically once the ttl elapses, whether or not
// the caller is still alive; expiry is enforced by the store itself.
func (s *Store) ReserveTemporarily(ctx context.Context, id uuid.UUID, holder uuid.UUID, ttl time.Duration) (TimeSlot, error) {
	s.mu.Lock()
	e, ok := s.slots[id]
	if !ok {
		s.mu.Unlock()
		return TimeSlot{}, ErrSlotNotFound
	}
	if s.leaseExpired(e) {
		s.expireLeaseLocked(ctx, e)
	}

	updated, evType, err := s.applyLocked(e, Transition{To: StatusReserved, Reason: "temporary hold"})
	if err != nil {
		s.mu.Unlock()
		return TimeSlot{}, err
	}
	e.lease = &lease{holder: holder, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()

	s.emit(ctx, evType, updated, map[string]any{
		"status": string(StatusReserved),
		"holder": holder.String(),
		"ttl":    ttl.String(),
	})
	return updated, nil
}

// SweepExpiredLeases releases every hold whose ttl has elapsed and returns
// the number released. Called periodically by the worker; reads also catch
// expired holds lazily, so the sweep is a backstop, not a requirement.
func (s *Store) SweepExpiredLeases(ctx context.Context) int {
	s.mu.RLock()
	var expired []uuid.UUID
	for id, e := range s.slots {
		if s.leaseExpired(e) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	released := 0
	for _, id := range expired {
		if _, ok := s.releaseExpired(ctx, id); ok {
			released++
		}
	}
	return released
}

// SetDoctorAvailability marks a doctor on or off leave. Booked slots owned
// by an unavailable doctor surface as doctor_unavailable conflicts.
func (s *Store) SetDoctorAvailability(doctorID uuid.UUID, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if available {
		delete(s.awayDoctors, doctorID)
	} else {
		s.awayDoctors[doctorID] = true
	}
}

func (s *Store) DoctorAvailable(doctorID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.awayDoctors[doctorID]
}

// PruneExpired removes slots whose end time passed more than retention ago
// and returns them for archival.
func (s *Store) PruneExpired(retention time.Duration) []TimeSlot {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []TimeSlot
	for id, e := range s.slots {
		if e.slot.End.Before(cutoff) {
			pruned = append(pruned, e.slot)
			delete(s.slots, id)
		}
	}
	return pruned
}

// applyLocked is the single compare-and-swap style update point. The caller
// holds the write lock and has already checked the version.
func (s *Store) applyLocked(e *entry, tr Transition) (TimeSlot, events.Type, error) {
	from := e.slot.Status
	if !canTransition(from, tr.To) {
		return TimeSlot{}, "", fmt.Errorf("%s -> %s: %w", from, tr.To, ErrInvalidTransition)
	}

	next := e.slot
	next.Status = tr.To
	next.BlockReason = ""
	switch tr.To {
	case StatusBooked:
		next.AppointmentID = tr.AppointmentID
		next.PatientID = tr.PatientID
	case StatusReserved:
		next.AppointmentID = nil
		next.PatientID = tr.PatientID
	case StatusBlocked:
		next.AppointmentID = nil
		next.PatientID = nil
		next.BlockReason = tr.Reason
	default:
		next.AppointmentID = nil
		next.PatientID = nil
	}
	if !next.consistent() {
		return TimeSlot{}, "", fmt.Errorf("transition to %s leaves occupant inconsistent: %w",
			tr.To, ErrInvalidTransition)
	}

	next.Version++
	next.UpdatedAt = s.now()
	e.slot = next
	if tr.To != StatusReserved {
		e.lease = nil
	}

	evType := events.TypeAvailabilityUpdated
	switch {
	case from == StatusBooked && tr.To == StatusAvailable:
		evType = events.TypeAppointmentCancelled
	case from == StatusReserved && tr.To == StatusAvailable:
		evType = events.TypeSlotReleased
	}
	return next, evType, nil
}

func (s *Store) leaseExpired(e *entry) bool {
	return e.slot.Status == StatusReserved && e.lease != nil && !e.lease.expiresAt.After(s.now())
}

// releaseExpired reverts a single expired hold back to available.
func (s *Store) releaseExpired(ctx context.Context, id uuid.UUID) (TimeSlot, bool) {
	s.mu.Lock()
	e, ok := s.slots[id]
	if !ok || !s.leaseExpired(e) {
		s.mu.Unlock()
		return TimeSlot{}, false
	}
	released := s.expireLeaseLocked(ctx, e)
	s.mu.Unlock()
	return released, true
}

func (s *Store) expireLeaseLocked(ctx context.Context, e *entry) TimeSlot {
	updated, evType, err := s.applyLocked(e, Transition{To: StatusAvailable, Reason: "hold expired"})
	if err != nil {
		// reserved -> available is always legal, so this cannot happen.
		s.logger.Error("release expired hold", zap.Error(err))
		return e.slot
	}
	go s.emit(ctx, evType, updated, map[string]any{"reason": "hold expired"})
	return updated
}

func (s *Store) emit(ctx context.Context, t events.Type, slot TimeSlot, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	ev := events.New(t, events.Scope{
		ServiceID: slot.ServiceID,
		ClinicID:  slot.ClinicID,
		DoctorID:  slot.DoctorID,
	}, slot.ID, payload)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish slot event",
			zap.String("type", string(t)),
			zap.String("slot_id", slot.ID.String()),
			zap.Error(err))
	}
}
