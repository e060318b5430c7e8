package waitlist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/events"
	"github.com/careflow/scheduling-core/internal/slot"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusNotified  Status = "notified"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

var (
	ErrEntryNotFound = errors.New("waitlist entry not found")
	// ErrCapacityExceededFatal means no waitlist capacity is configured for
	// the tuple; the booking must be surfaced to the caller as a hard failure.
	ErrCapacityExceededFatal = errors.New("no waitlist capacity configured")
)

// Entry is a request queued because no acceptable slot exists.
type Entry struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    *uuid.UUID
	ClinicID    uuid.UUID
	ServiceID   uuid.UUID
	WindowStart time.Time
	WindowEnd   time.Time
	Urgency     int
	JoinedAt    time.Time
	Status      Status
}

// matches reports whether a freed slot satisfies the entry's criteria.
func (e Entry) matches(s slot.TimeSlot) bool {
	if e.Status != StatusWaiting {
		return false
	}
	if s.ClinicID != e.ClinicID || s.ServiceID != e.ServiceID {
		return false
	}
	if e.DoctorID != nil && s.DoctorID != *e.DoctorID {
		return false
	}
	if !e.WindowStart.IsZero() && s.Start.Before(e.WindowStart) {
		return false
	}
	if !e.WindowEnd.IsZero() && s.End.After(e.WindowEnd) {
		return false
	}
	return true
}

// Queue is an in-memory waitlist ordered by urgency then join time. Policy
// is FIFO within an urgency level: the newest excess request waits, existing
// bookings are never reshuffled.
type Queue struct {
	mu        sync.Mutex
	entries   []*Entry
	limit     int
	publisher events.Publisher
	now       func() time.Time
}

func NewQueue(limit int, publisher events.Publisher) *Queue {
	return &Queue{
		limit:     limit,
		publisher: publisher,
		now:       time.Now,
	}
}

// WithClock overrides the queue's time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue adds a waiting entry and returns its 1-based position. Fails with
// ErrCapacityExceededFatal when the waitlist has no room.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit <= 0 || q.waitingLocked() >= q.limit {
		return 0, ErrCapacityExceededFatal
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.JoinedAt = q.now()
	e.Status = StatusWaiting

	q.entries = append(q.entries, &e)
	q.sortLocked()
	return q.positionLocked(e.ID), nil
}

// Position returns the 1-based queue position of a waiting entry.
func (q *Queue) Position(id uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := q.positionLocked(id)
	if pos == 0 {
		return 0, ErrEntryNotFound
	}
	return pos, nil
}

// MatchSlot offers a freed slot to the highest-priority waiting entry whose
// criteria it satisfies, marking the entry notified and emitting a
// waitlist_notification event. Returns nil when nobody matches.
func (q *Queue) MatchSlot(ctx context.Context, s slot.TimeSlot) *Entry {
	q.mu.Lock()
	var matched *Entry
	for _, e := range q.entries {
		if e.matches(s) {
			e.Status = StatusNotified
			matched = e
			break
		}
	}
	q.mu.Unlock()

	if matched == nil {
		return nil
	}

	if q.publisher != nil {
		ev := events.New(events.TypeWaitlistNotification, events.Scope{
			ServiceID: s.ServiceID,
			ClinicID:  s.ClinicID,
			DoctorID:  s.DoctorID,
		}, s.ID, map[string]any{
			"waitlist_entry_id": matched.ID.String(),
			"patient_id":        matched.PatientID.String(),
		})
		_ = q.publisher.Publish(ctx, ev)
	}
	return matched
}

// Confirm moves a notified entry to confirmed.
func (q *Queue) Confirm(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id && e.Status == StatusNotified {
			e.Status = StatusConfirmed
			return nil
		}
	}
	return ErrEntryNotFound
}

// ExpireStale expires waiting entries whose acceptable window has passed
// and returns how many were expired.
func (q *Queue) ExpireStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	expired := 0
	for _, e := range q.entries {
		if e.Status == StatusWaiting && !e.WindowEnd.IsZero() && e.WindowEnd.Before(now) {
			e.Status = StatusExpired
			expired++
		}
	}
	return expired
}

// Depth counts waiting entries for a clinic/service tuple.
func (q *Queue) Depth(clinicID, serviceID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusWaiting && e.ClinicID == clinicID && e.ServiceID == serviceID {
			n++
		}
	}
	return n
}

func (q *Queue) waitingLocked() int {
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusWaiting {
			n++
		}
	}
	return n
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].Urgency != q.entries[j].Urgency {
			return q.entries[i].Urgency > q.entries[j].Urgency
		}
		return q.entries[i].JoinedAt.Before(q.entries[j].JoinedAt)
	})
}

func (q *Queue) positionLocked(id uuid.UUID) int {
	pos := 0
	for _, e := range q.entries {
		if e.Status != StatusWaiting {
			continue
		}
		pos++
		if e.ID == id {
			return pos
		}
	}
	return 0
}
