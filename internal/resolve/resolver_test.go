package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/redisclient"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
)

type resolverFixture struct {
	store    *slot.Store
	registry *conflict.Registry
	queue    *waitlist.Queue
	resolver *Resolver
	detector *conflict.Detector
	doctor   uuid.UUID
	clinic   uuid.UUID
	svc      uuid.UUID
}

func newResolverFixture(t *testing.T, cfg Config, waitlistLimit int) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		store:    slot.NewStore(nil, zap.NewNop()),
		registry: conflict.NewRegistry(),
		queue:    waitlist.NewQueue(waitlistLimit, nil),
		doctor:   uuid.New(),
		clinic:   uuid.New(),
		svc:      uuid.New(),
	}
	f.resolver = NewResolver(f.store, f.registry, f.queue, redisclient.NoopLocker{}, nil, zap.NewNop(), cfg)
	f.detector = conflict.NewDetector(f.store, conflict.DetectorConfig{DefaultDailyCapacity: 100})
	return f
}

func (f *resolverFixture) createSlot(t *testing.T, start time.Time) slot.TimeSlot {
	t.Helper()
	created, err := f.store.Create(context.Background(), slot.TimeSlot{
		DoctorID:  f.doctor,
		ClinicID:  f.clinic,
		ServiceID: f.svc,
		Start:     start,
		End:       start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	return created
}

func (f *resolverFixture) book(t *testing.T, s slot.TimeSlot) slot.TimeSlot {
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

func (f *resolverFixture) detect(t *testing.T, ids ...uuid.UUID) []conflict.Conflict {
	t.Helper()
	conflicts, err := f.detector.Detect(context.Background(), ids)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	return conflicts
}

func TestPrioritizeOrdering(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	low := conflict.Conflict{ID: uuid.New(), Severity: conflict.SeverityLow, Priority: 500, DetectedAt: base}
	highOld := conflict.Conflict{ID: uuid.New(), Severity: conflict.SeverityHigh, Priority: 300, DetectedAt: base}
	highNew := conflict.Conflict{ID: uuid.New(), Severity: conflict.SeverityHigh, Priority: 300, DetectedAt: base.Add(time.Minute)}
	highPri := conflict.Conflict{ID: uuid.New(), Severity: conflict.SeverityHigh, Priority: 340, DetectedAt: base}
	critical := conflict.Conflict{ID: uuid.New(), Severity: conflict.SeverityCritical, Priority: 400, DetectedAt: base}

	r := newResolverFixture(t, Config{}, 10).resolver
	input := []conflict.Conflict{low, highOld, highNew, highPri, critical}
	got := r.Prioritize(input)

	wantOrder := []uuid.UUID{critical.ID, highPri.ID, highNew.ID, highOld.ID, low.ID}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}

	// Same input set, same order, regardless of input permutation.
	again := r.Prioritize([]conflict.Conflict{highNew, critical, low, highPri, highOld})
	for i := range got {
		if again[i].ID != got[i].ID {
			t.Fatalf("ordering not deterministic at %d", i)
		}
	}
}

func TestCanResolveAutomatically(t *testing.T) {
	tests := []struct {
		name string
		c    conflict.Conflict
		want bool
	}{
		{"medium overlap", conflict.Conflict{Category: conflict.CategoryTimeOverlap, Severity: conflict.SeverityMedium}, true},
		{"critical severity", conflict.Conflict{Category: conflict.CategoryTimeOverlap, Severity: conflict.SeverityCritical}, false},
		{"medical risk", conflict.Conflict{
			Category: conflict.CategoryTimeOverlap,
			Severity: conflict.SeverityMedium,
			Impact:   conflict.Impact{MedicalRisk: conflict.RiskLow},
		}, false},
		{"equipment unavailable", conflict.Conflict{Category: conflict.CategoryEquipmentUnavailable, Severity: conflict.SeverityMedium}, false},
		{"emergency override", conflict.Conflict{Category: conflict.CategoryEmergencyOverride, Severity: conflict.SeverityHigh}, false},
	}

	r := newResolverFixture(t, Config{}, 10).resolver
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.CanResolveAutomatically(tt.c); got != tt.want {
				t.Fatalf("CanResolveAutomatically = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveTimeOverlap(t *testing.T) {
	f := newResolverFixture(t, Config{ConfirmDeadline: 15 * time.Minute}, 10)
	base := time.Now().Add(2 * time.Hour)

	early := f.book(t, f.createSlot(t, base))
	late := f.book(t, f.createSlot(t, base.Add(15*time.Minute)))
	free := f.createSlot(t, base.Add(3*time.Hour))

	conflicts := f.detect(t, early.ID)
	if len(conflicts) != 1 {
		t.Fatalf("detected %d conflicts, want 1", len(conflicts))
	}
	f.registry.Add(conflicts[0])

	result := f.resolver.ResolveConflicts(context.Background(), conflicts)
	if !result.Success {
		t.Fatalf("result not successful: %+v", result)
	}
	if len(result.ResolvedIDs) != 1 || result.ResolvedIDs[0] != conflicts[0].ID {
		t.Fatalf("resolved = %v, want the detected conflict", result.ResolvedIDs)
	}
	if result.SuccessRate != 100 {
		t.Fatalf("success rate = %f, want 100", result.SuccessRate)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(result.Actions))
	}

	a := result.Actions[0]
	if a.Type != ActionReschedule || !a.Applied {
		t.Fatalf("action = %+v, want an applied reschedule", a)
	}
	if a.TargetSlotID != late.ID {
		t.Fatalf("moved slot = %s, want the later-starting %s", a.TargetSlotID, late.ID)
	}
	if a.NewSlotID == nil || *a.NewSlotID != free.ID {
		t.Fatalf("new slot = %v, want %s", a.NewSlotID, free.ID)
	}
	if !a.RequiresConfirmation || a.ConfirmBy == nil {
		t.Fatal("a reschedule must carry a confirmation deadline")
	}

	// The booking physically moved.
	ctx := context.Background()
	movedFrom, _ := f.store.Get(ctx, late.ID)
	movedTo, _ := f.store.Get(ctx, free.ID)
	if movedFrom.Status != slot.StatusAvailable {
		t.Fatalf("origin status = %s, want available", movedFrom.Status)
	}
	if movedTo.Status != slot.StatusBooked || movedTo.AppointmentID == nil || *movedTo.AppointmentID != *late.AppointmentID {
		t.Fatalf("destination = %+v, want booked with the moved appointment", movedTo)
	}

	// Resolution retires the conflict from the pending registry.
	if _, err := f.registry.Get(conflicts[0].ID); !errors.Is(err, conflict.ErrConflictNotFound) {
		t.Fatalf("conflict still pending: %v", err)
	}
}

func TestResolveEscalatesCritical(t *testing.T) {
	f := newResolverFixture(t, Config{}, 10)
	c := conflict.Conflict{
		ID:       uuid.New(),
		Category: conflict.CategoryTimeOverlap,
		Severity: conflict.SeverityCritical,
		DoctorID: f.doctor,
		SlotIDs:  []uuid.UUID{uuid.New()},
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{c})
	if result.Success {
		t.Fatal("critical conflict must not auto-resolve")
	}
	if len(result.UnresolvedIDs) != 1 || result.UnresolvedIDs[0] != c.ID {
		t.Fatalf("unresolved = %v, want the critical conflict", result.UnresolvedIDs)
	}
	if len(result.Actions) != 1 || result.Actions[0].Automated {
		t.Fatalf("actions = %+v, want one manual escalation action", result.Actions)
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("an escalation must carry a recommendation")
	}
}

func TestRollbackRestoresExactState(t *testing.T) {
	f := newResolverFixture(t, Config{ConfirmDeadline: 15 * time.Minute}, 10)
	base := time.Now().Add(2 * time.Hour)

	early := f.book(t, f.createSlot(t, base))
	late := f.book(t, f.createSlot(t, base.Add(15*time.Minute)))
	free := f.createSlot(t, base.Add(3*time.Hour))
	_ = early

	conflicts := f.detect(t, late.ID)
	result := f.resolver.ResolveConflicts(context.Background(), conflicts)
	if !result.Success || len(result.Actions) != 1 {
		t.Fatalf("setup resolution failed: %+v", result)
	}

	ctx := context.Background()
	if err := f.resolver.Rollback(ctx, result.Actions[0].ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	restored, err := f.store.Get(ctx, late.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if restored.Status != slot.StatusBooked {
		t.Fatalf("status = %s, want booked after rollback", restored.Status)
	}
	if restored.AppointmentID == nil || *restored.AppointmentID != *late.AppointmentID {
		t.Fatalf("appointment = %v, want %s", restored.AppointmentID, *late.AppointmentID)
	}
	if restored.PatientID == nil || *restored.PatientID != *late.PatientID {
		t.Fatalf("patient = %v, want %s", restored.PatientID, *late.PatientID)
	}

	freed, err := f.store.Get(ctx, free.ID)
	if err != nil {
		t.Fatalf("Get freed: %v", err)
	}
	if freed.Status != slot.StatusAvailable {
		t.Fatalf("proposed slot status = %s, want available after rollback", freed.Status)
	}

	// A second rollback of the same action finds nothing.
	if err := f.resolver.Rollback(ctx, result.Actions[0].ID); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("second rollback err = %v, want ErrActionNotFound", err)
	}
}

func TestRollbackWindowExpires(t *testing.T) {
	f := newResolverFixture(t, Config{ConfirmDeadline: time.Nanosecond}, 10)
	base := time.Now().Add(2 * time.Hour)

	f.book(t, f.createSlot(t, base))
	f.book(t, f.createSlot(t, base.Add(15*time.Minute)))
	f.createSlot(t, base.Add(3*time.Hour))

	conflicts := f.detect(t, f.mustAnyBookedID(t))
	result := f.resolver.ResolveConflicts(context.Background(), conflicts)
	if len(result.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(result.Actions))
	}

	time.Sleep(time.Millisecond)
	err := f.resolver.Rollback(context.Background(), result.Actions[0].ID)
	if !errors.Is(err, ErrRollbackExpired) {
		t.Fatalf("err = %v, want ErrRollbackExpired", err)
	}
}

func (f *resolverFixture) mustAnyBookedID(t *testing.T) uuid.UUID {
	t.Helper()
	slots, err := f.store.Query(context.Background(), slot.Filter{Statuses: []slot.Status{slot.StatusBooked}})
	if err != nil || len(slots) == 0 {
		t.Fatalf("no booked slots: %v", err)
	}
	return slots[0].ID
}

type panicStrategy struct{}

func (panicStrategy) Resolve(context.Context, conflict.Conflict) ([]Action, error) {
	panic("strategy blew up")
}

func TestPanicDegradesToUnresolved(t *testing.T) {
	f := newResolverFixture(t, Config{}, 10)
	f.resolver.SetStrategy(conflict.CategoryTimeOverlap, panicStrategy{})

	c := conflict.Conflict{
		ID:       uuid.New(),
		Category: conflict.CategoryTimeOverlap,
		Severity: conflict.SeverityMedium,
		DoctorID: f.doctor,
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{c})
	if result.Success {
		t.Fatal("a panicking strategy must not report success")
	}
	if len(result.UnresolvedIDs) != 1 || result.UnresolvedIDs[0] != c.ID {
		t.Fatalf("unresolved = %v, want every input conflict", result.UnresolvedIDs)
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("degraded result must carry a recommendation")
	}
}

type deniedLocker struct{}

func (deniedLocker) WithDoctorLock(context.Context, uuid.UUID, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestLockFailureEscalatesBatch(t *testing.T) {
	f := newResolverFixture(t, Config{}, 10)
	f.resolver = NewResolver(f.store, f.registry, f.queue, deniedLocker{}, nil, zap.NewNop(), Config{})

	c := conflict.Conflict{
		ID:       uuid.New(),
		Category: conflict.CategoryTimeOverlap,
		Severity: conflict.SeverityMedium,
		DoctorID: f.doctor,
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{c})
	if result.Success {
		t.Fatal("lock failure must not report success")
	}
	if len(result.UnresolvedIDs) != 1 {
		t.Fatalf("unresolved = %v, want the whole batch", result.UnresolvedIDs)
	}
}

func TestCapacityConflictWaitlistsNewestBooking(t *testing.T) {
	f := newResolverFixture(t, Config{}, 10)
	f.detector = conflict.NewDetector(f.store, conflict.DetectorConfig{DefaultDailyCapacity: 1})

	day := time.Now().Truncate(24 * time.Hour).Add(48 * time.Hour)
	first := f.book(t, f.createSlot(t, day.Add(9*time.Hour)))
	second := f.book(t, f.createSlot(t, day.Add(10*time.Hour)))
	_ = first

	conflicts := f.detect(t, second.ID)
	var capConflict *conflict.Conflict
	for i := range conflicts {
		if conflicts[i].Category == conflict.CategoryCapacityExceeded {
			capConflict = &conflicts[i]
		}
	}
	if capConflict == nil {
		t.Fatalf("no capacity conflict in %v", conflicts)
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{*capConflict})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.Actions) != 1 || result.Actions[0].Type != ActionWaitlist {
		t.Fatalf("actions = %+v, want one waitlist action", result.Actions)
	}

	// The newest booking was released back to available and its patient queued.
	released, err := f.store.Get(context.Background(), result.Actions[0].TargetSlotID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if released.Status != slot.StatusAvailable {
		t.Fatalf("status = %s, want available", released.Status)
	}
	if d := f.queue.Depth(f.clinic, f.svc); d != 1 {
		t.Fatalf("waitlist depth = %d, want 1", d)
	}
}

func TestCapacityResolutionRestoresOnFullWaitlist(t *testing.T) {
	f := newResolverFixture(t, Config{}, 0) // waitlisting disabled
	f.detector = conflict.NewDetector(f.store, conflict.DetectorConfig{DefaultDailyCapacity: 1})

	day := time.Now().Truncate(24 * time.Hour).Add(48 * time.Hour)
	f.book(t, f.createSlot(t, day.Add(9*time.Hour)))
	second := f.book(t, f.createSlot(t, day.Add(10*time.Hour)))

	conflicts := f.detect(t, second.ID)
	var capConflict *conflict.Conflict
	for i := range conflicts {
		if conflicts[i].Category == conflict.CategoryCapacityExceeded {
			capConflict = &conflicts[i]
		}
	}
	if capConflict == nil {
		t.Fatalf("no capacity conflict in %v", conflicts)
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{*capConflict})
	if result.Success {
		t.Fatal("resolution must fail when the waitlist has no capacity")
	}

	// The booking it tried to displace is intact.
	restored, err := f.store.Get(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if restored.Status != slot.StatusBooked {
		t.Fatalf("status = %s, want the booking restored", restored.Status)
	}
}

func TestDoctorUnavailableProposesConfirmableMoves(t *testing.T) {
	f := newResolverFixture(t, Config{ReservationTTL: 10 * time.Minute}, 10)
	base := time.Now().Add(2 * time.Hour)

	booked := f.book(t, f.createSlot(t, base))
	f.store.SetDoctorAvailability(f.doctor, false)

	// Another doctor with an open slot in the same window at the same clinic.
	other := uuid.New()
	openSlot, err := f.store.Create(context.Background(), slot.TimeSlot{
		DoctorID:  other,
		ClinicID:  f.clinic,
		ServiceID: f.svc,
		Start:     base.Add(30 * time.Minute),
		End:       base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create open slot: %v", err)
	}

	conflicts := f.detect(t, booked.ID)
	var unavail *conflict.Conflict
	for i := range conflicts {
		if conflicts[i].Category == conflict.CategoryDoctorUnavailable {
			unavail = &conflicts[i]
		}
	}
	if unavail == nil {
		t.Fatalf("no doctor_unavailable conflict in %v", conflicts)
	}

	result := f.resolver.ResolveConflicts(context.Background(), []conflict.Conflict{*unavail})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if len(result.Actions) == 0 {
		t.Fatal("expected at least one proposal")
	}
	for _, a := range result.Actions {
		if a.Automated || !a.RequiresConfirmation {
			t.Fatalf("action = %+v, doctor changes must wait for confirmation", a)
		}
	}

	// The proposed slot is held, not booked, and the original stays put.
	held, err := f.store.Get(context.Background(), openSlot.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if held.Status != slot.StatusReserved {
		t.Fatalf("proposed slot status = %s, want reserved", held.Status)
	}
	original, err := f.store.Get(context.Background(), booked.ID)
	if err != nil {
		t.Fatalf("Get original: %v", err)
	}
	if original.Status != slot.StatusBooked {
		t.Fatalf("original status = %s, want untouched booking", original.Status)
	}
}
