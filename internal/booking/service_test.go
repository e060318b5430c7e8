package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/events"
	"github.com/careflow/scheduling-core/internal/rank"
	"github.com/careflow/scheduling-core/internal/redisclient"
	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

type serviceFixture struct {
	store    *slot.Store
	queue    *waitlist.Queue
	broker   *events.MemoryBroker
	registry *conflict.Registry
	svc      *Service
	clinic   uuid.UUID
	svcID    uuid.UUID
	doctor   uuid.UUID
}

func newServiceFixture(t *testing.T, dailyCapacity, waitlistLimit int) *serviceFixture {
	t.Helper()
	logger := zap.NewNop()
	broker := events.NewMemoryBroker()

	f := &serviceFixture{
		store:  slot.NewStore(broker, logger),
		queue:  waitlist.NewQueue(waitlistLimit, broker),
		broker: broker,
		clinic: uuid.New(),
		svcID:  uuid.New(),
		doctor: uuid.New(),
	}

	registry := conflict.NewRegistry()
	f.registry = registry
	detector := conflict.NewDetector(f.store, conflict.DetectorConfig{DefaultDailyCapacity: dailyCapacity})
	resolver := resolve.NewResolver(f.store, registry, f.queue, redisclient.NoopLocker{}, nil, logger, resolve.Config{})
	ranker := rank.NewRanker(f.store, 10)
	estimator := waittime.NewEstimator(f.store, f.queue, nil, logger, time.Minute)

	f.svc = NewService(f.store, detector, registry, resolver, ranker, f.queue,
		estimator, broker, logger, Config{DailyCapacity: dailyCapacity})
	return f
}

func (f *serviceFixture) openSlot(t *testing.T, start time.Time) slot.TimeSlot {
	t.Helper()
	created, err := f.store.Create(context.Background(), slot.TimeSlot{
		DoctorID:  f.doctor,
		ClinicID:  f.clinic,
		ServiceID: f.svcID,
		Start:     start,
		End:       start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return created
}

func (f *serviceFixture) request(slotID *uuid.UUID) Request {
	return Request{
		PatientID:       uuid.New(),
		ServiceID:       f.svcID,
		ClinicID:        f.clinic,
		PreferredSlotID: slotID,
	}
}

func TestBookConfirmsFreeSlot(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	start := time.Now().Add(2 * time.Hour)
	open := f.openSlot(t, start)

	out, err := f.svc.Book(context.Background(), f.request(&open.ID))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if out.Status != OutcomeConfirmed {
		t.Fatalf("status = %s, want confirmed", out.Status)
	}
	if out.Appointment == nil || out.Appointment.SlotID != open.ID {
		t.Fatalf("appointment = %+v, want one on slot %s", out.Appointment, open.ID)
	}

	got, err := f.store.Get(context.Background(), open.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != slot.StatusBooked {
		t.Fatalf("slot status = %s, want booked", got.Status)
	}
}

func TestBookOccupiedSlotOffersAlternatives(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	start := time.Now().Add(2 * time.Hour)
	target := f.openSlot(t, start)
	fallback := f.openSlot(t, start.Add(time.Hour))

	if _, err := f.svc.Book(context.Background(), f.request(&target.ID)); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	out, err := f.svc.Book(context.Background(), f.request(&target.ID))
	if err != nil {
		t.Fatalf("second booking: %v", err)
	}
	if out.Status != OutcomeConflict {
		t.Fatalf("status = %s, want conflict", out.Status)
	}
	if out.Appointment != nil {
		t.Fatal("an occupied slot must not yield an appointment")
	}
	if len(out.Alternatives) == 0 {
		t.Fatal("expected ranked alternatives for the occupied slot")
	}
	if out.Alternatives[0].Slot.ID != fallback.ID {
		t.Fatalf("best alternative = %s, want the free slot %s", out.Alternatives[0].Slot.ID, fallback.ID)
	}
}

func TestEleventhBookingIsWaitlisted(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	day := time.Now().Truncate(24 * time.Hour).Add(48 * time.Hour)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		open := f.openSlot(t, day.Add(time.Duration(8*60+i*30)*time.Minute))
		out, err := f.svc.Book(ctx, f.request(&open.ID))
		if err != nil {
			t.Fatalf("booking %d: %v", i, err)
		}
		if out.Status != OutcomeConfirmed {
			t.Fatalf("booking %d status = %s, want confirmed", i, out.Status)
		}
	}

	open := f.openSlot(t, day.Add(14*time.Hour))
	out, err := f.svc.Book(ctx, f.request(&open.ID))
	if err != nil {
		t.Fatalf("eleventh booking: %v", err)
	}

	if out.Status != OutcomeWaitlisted {
		t.Fatalf("status = %s, want waitlisted at daily capacity", out.Status)
	}
	if out.WaitlistPosition != 1 {
		t.Fatalf("position = %d, want 1", out.WaitlistPosition)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(out.Actions))
	}
	a := out.Actions[0]
	if a.Type != resolve.ActionWaitlist {
		t.Fatalf("action type = %s, want waitlist", a.Type)
	}
	if !a.Automated || a.RequiresConfirmation {
		t.Fatalf("waitlist action = %+v, want automated without confirmation", a)
	}
	if out.EstimatedWait == nil {
		t.Fatal("a waitlisted outcome carries a wait estimate")
	}

	// The existing ten bookings were not reshuffled.
	booked, err := f.store.Query(ctx, slot.Filter{Statuses: []slot.Status{slot.StatusBooked}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(booked) != 10 {
		t.Fatalf("booked = %d, want the original 10", len(booked))
	}
}

func TestWaitlistFullIsFatal(t *testing.T) {
	f := newServiceFixture(t, 1, 0)
	day := time.Now().Truncate(24 * time.Hour).Add(48 * time.Hour)
	ctx := context.Background()

	open := f.openSlot(t, day.Add(9*time.Hour))
	if _, err := f.svc.Book(ctx, f.request(&open.ID)); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	next := f.openSlot(t, day.Add(10*time.Hour))
	_, err := f.svc.Book(ctx, f.request(&next.ID))
	if !errors.Is(err, waitlist.ErrCapacityExceededFatal) {
		t.Fatalf("err = %v, want ErrCapacityExceededFatal", err)
	}
}

func TestCancelFreesSlotAndNotifiesWaitlist(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	start := time.Now().Add(2 * time.Hour)
	open := f.openSlot(t, start)
	ctx := context.Background()

	out, err := f.svc.Book(ctx, f.request(&open.ID))
	if err != nil || out.Status != OutcomeConfirmed {
		t.Fatalf("setup booking failed: %v %v", out, err)
	}

	waiting := uuid.New()
	if _, err := f.queue.Enqueue(ctx, waitlist.Entry{
		PatientID: waiting,
		ClinicID:  f.clinic,
		ServiceID: f.svcID,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sub, err := f.broker.Subscribe(ctx, events.Scope{
		ServiceID: f.svcID, ClinicID: f.clinic, DoctorID: f.doctor,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.svc.Cancel(ctx, open.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := f.store.Get(ctx, open.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != slot.StatusAvailable {
		t.Fatalf("status = %s, want available after cancel", got.Status)
	}

	seen := make(map[events.Type]bool)
	timeout := time.After(time.Second)
	for !seen[events.TypeAppointmentCancelled] || !seen[events.TypeWaitlistNotification] {
		select {
		case ev := <-sub.C:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("events seen = %v, want cancellation and waitlist notification", seen)
		}
	}
}

func TestCancelNonBookedSlot(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	open := f.openSlot(t, time.Now().Add(2*time.Hour))

	err := f.svc.Cancel(context.Background(), open.ID)
	if !errors.Is(err, slot.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition for an unbooked slot", err)
	}
}

func TestResolveBatchReportsUnknownIDs(t *testing.T) {
	f := newServiceFixture(t, 10, 50)

	result := f.svc.ResolveBatch(context.Background(), []uuid.UUID{uuid.New(), uuid.New()})
	if result.Success {
		t.Fatal("unknown ids must not count as success")
	}
	if len(result.UnresolvedIDs) != 2 {
		t.Fatalf("unresolved = %d, want 2", len(result.UnresolvedIDs))
	}
	if result.SuccessRate != 0 {
		t.Fatalf("success rate = %f, want 0", result.SuccessRate)
	}
}

func TestResolveBatchMixedKnownAndUnknown(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	book := func(s slot.TimeSlot) slot.TimeSlot {
		t.Helper()
		appt, patient := uuid.New(), uuid.New()
		booked, err := f.store.Mutate(context.Background(), s.ID, s.Version, slot.Transition{
			To: slot.StatusBooked, AppointmentID: &appt, PatientID: &patient,
		})
		if err != nil {
			t.Fatalf("book slot: %v", err)
		}
		return booked
	}
	a := book(f.openSlot(t, start))
	book(f.openSlot(t, start.Add(15*time.Minute)))
	f.openSlot(t, start.Add(2*time.Hour)) // free target for the reschedule

	detector := conflict.NewDetector(f.store, conflict.DetectorConfig{DefaultDailyCapacity: 100})
	detected, err := detector.Detect(context.Background(), []uuid.UUID{a.ID})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 1 {
		t.Fatalf("detected = %d conflicts, want 1", len(detected))
	}
	f.registry.Add(detected[0])

	unknown := uuid.New()
	result := f.svc.ResolveBatch(context.Background(), []uuid.UUID{detected[0].ID, unknown})
	if result.Success {
		t.Fatal("batch with an unknown id must not report success")
	}
	if len(result.ResolvedIDs) != 1 || result.ResolvedIDs[0] != detected[0].ID {
		t.Fatalf("resolved = %v, want [%s]", result.ResolvedIDs, detected[0].ID)
	}
	if len(result.UnresolvedIDs) != 1 || result.UnresolvedIDs[0] != unknown {
		t.Fatalf("unresolved = %v, want [%s]", result.UnresolvedIDs, unknown)
	}
	if result.SuccessRate != 50 {
		t.Fatalf("success rate = %f, want 50", result.SuccessRate)
	}
}

func TestAvailabilityGroupedByDate(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	dayOne := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	dayTwo := dayOne.Add(24 * time.Hour)

	f.openSlot(t, dayOne)
	f.openSlot(t, dayOne.Add(time.Hour))
	f.openSlot(t, dayTwo)

	clinicID := f.clinic
	byDate, err := f.svc.Availability(context.Background(), slot.Filter{ClinicID: &clinicID})
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if len(byDate["2026-03-02"]) != 2 {
		t.Fatalf("2026-03-02 has %d slots, want 2", len(byDate["2026-03-02"]))
	}
	if len(byDate["2026-03-03"]) != 1 {
		t.Fatalf("2026-03-03 has %d slots, want 1", len(byDate["2026-03-03"]))
	}
}

func TestBookWithoutPreferredSlotRanksOpenSlots(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	start := time.Now().Add(2 * time.Hour)
	f.openSlot(t, start)
	f.openSlot(t, start.Add(time.Hour))

	req := f.request(nil)
	req.Earliest = start.Add(-time.Hour)
	req.Latest = start.Add(6 * time.Hour)

	out, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if out.Status != OutcomeConflict {
		t.Fatalf("status = %s, want conflict (choose an alternative)", out.Status)
	}
	if len(out.Alternatives) != 2 {
		t.Fatalf("alternatives = %d, want 2", len(out.Alternatives))
	}
}

func TestBookNothingAvailable(t *testing.T) {
	f := newServiceFixture(t, 10, 50)
	req := f.request(nil)
	req.Earliest = time.Now()
	req.Latest = time.Now().Add(24 * time.Hour)

	_, err := f.svc.Book(context.Background(), req)
	if !errors.Is(err, ErrNoPreferredSlot) {
		t.Fatalf("err = %v, want ErrNoPreferredSlot", err)
	}
}
