package waitlist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/slot"
)

var queueEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestQueue(limit int) (*Queue, *time.Time) {
	now := queueEpoch
	q := NewQueue(limit, nil).WithClock(func() time.Time { return now })
	return q, &now
}

func entryFor(clinicID, serviceID uuid.UUID, urgency int) Entry {
	return Entry{
		PatientID: uuid.New(),
		ClinicID:  clinicID,
		ServiceID: serviceID,
		Urgency:   urgency,
	}
}

func TestEnqueueOrdering(t *testing.T) {
	clinic, svc := uuid.New(), uuid.New()
	q, now := newTestQueue(10)
	ctx := context.Background()

	routineFirst := entryFor(clinic, svc, 0)
	routineFirst.ID = uuid.New()
	if pos, err := q.Enqueue(ctx, routineFirst); err != nil || pos != 1 {
		t.Fatalf("first enqueue: pos=%d err=%v, want 1, nil", pos, err)
	}

	*now = now.Add(time.Minute)
	routineSecond := entryFor(clinic, svc, 0)
	routineSecond.ID = uuid.New()
	if pos, err := q.Enqueue(ctx, routineSecond); err != nil || pos != 2 {
		t.Fatalf("second enqueue: pos=%d err=%v, want 2, nil", pos, err)
	}

	// An urgent arrival jumps both routine entries but keeps them in FIFO
	// order relative to each other.
	*now = now.Add(time.Minute)
	urgent := entryFor(clinic, svc, 2)
	urgent.ID = uuid.New()
	if pos, err := q.Enqueue(ctx, urgent); err != nil || pos != 1 {
		t.Fatalf("urgent enqueue: pos=%d err=%v, want 1, nil", pos, err)
	}

	if pos, err := q.Position(routineFirst.ID); err != nil || pos != 2 {
		t.Fatalf("routineFirst position = %d err=%v, want 2, nil", pos, err)
	}
	if pos, err := q.Position(routineSecond.ID); err != nil || pos != 3 {
		t.Fatalf("routineSecond position = %d err=%v, want 3, nil", pos, err)
	}
}

func TestEnqueueCapacity(t *testing.T) {
	clinic, svc := uuid.New(), uuid.New()
	q, _ := newTestQueue(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, entryFor(clinic, svc, 0)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, entryFor(clinic, svc, 0)); !errors.Is(err, ErrCapacityExceededFatal) {
		t.Fatalf("err = %v, want ErrCapacityExceededFatal when full", err)
	}
}

func TestZeroLimitDisablesWaitlist(t *testing.T) {
	q, _ := newTestQueue(0)
	if _, err := q.Enqueue(context.Background(), entryFor(uuid.New(), uuid.New(), 0)); !errors.Is(err, ErrCapacityExceededFatal) {
		t.Fatalf("err = %v, want ErrCapacityExceededFatal with limit 0", err)
	}
}

func TestMatchSlot(t *testing.T) {
	clinic, svc := uuid.New(), uuid.New()
	q, now := newTestQueue(10)
	ctx := context.Background()

	wrongClinic := entryFor(uuid.New(), svc, 3)
	wrongClinic.ID = uuid.New()
	target := entryFor(clinic, svc, 1)
	target.ID = uuid.New()
	lowerPriority := entryFor(clinic, svc, 0)
	lowerPriority.ID = uuid.New()

	for _, e := range []Entry{wrongClinic, target, lowerPriority} {
		if _, err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		*now = now.Add(time.Second)
	}

	freed := slot.TimeSlot{
		ID:        uuid.New(),
		DoctorID:  uuid.New(),
		ClinicID:  clinic,
		ServiceID: svc,
		Start:     queueEpoch.Add(time.Hour),
		End:       queueEpoch.Add(90 * time.Minute),
	}

	matched := q.MatchSlot(ctx, freed)
	if matched == nil {
		t.Fatal("no entry matched the freed slot")
	}
	if matched.ID != target.ID {
		t.Fatalf("matched %s, want the highest-urgency matching entry %s", matched.ID, target.ID)
	}
	if matched.Status != StatusNotified {
		t.Fatalf("status = %s, want notified", matched.Status)
	}

	// A notified entry no longer counts toward queue positions.
	if pos, err := q.Position(lowerPriority.ID); err != nil || pos != 1 {
		t.Fatalf("lowerPriority position = %d err=%v, want 1, nil", pos, err)
	}
}

func TestConfirm(t *testing.T) {
	clinic, svc := uuid.New(), uuid.New()
	q, _ := newTestQueue(10)
	ctx := context.Background()

	e := entryFor(clinic, svc, 0)
	e.ID = uuid.New()
	if _, err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Waiting entries cannot be confirmed directly.
	if err := q.Confirm(e.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("confirm before notify: err = %v, want ErrEntryNotFound", err)
	}

	freed := slot.TimeSlot{ClinicID: clinic, ServiceID: svc}
	if m := q.MatchSlot(ctx, freed); m == nil {
		t.Fatal("expected a match")
	}
	if err := q.Confirm(e.ID); err != nil {
		t.Fatalf("confirm after notify: %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	clinic, svc := uuid.New(), uuid.New()
	q, now := newTestQueue(10)
	ctx := context.Background()

	stale := entryFor(clinic, svc, 0)
	stale.WindowEnd = queueEpoch.Add(time.Hour)
	open := entryFor(clinic, svc, 0)

	for _, e := range []Entry{stale, open} {
		if _, err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	*now = queueEpoch.Add(2 * time.Hour)
	if n := q.ExpireStale(); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	if d := q.Depth(clinic, svc); d != 1 {
		t.Fatalf("depth = %d, want 1 after expiry", d)
	}
}
