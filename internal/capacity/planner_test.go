package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

var planEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type planFixture struct {
	store   *slot.Store
	queue   *waitlist.Queue
	planner *Planner
	clinic  uuid.UUID
	svc     uuid.UUID
}

func newPlanFixture(t *testing.T) *planFixture {
	t.Helper()
	clock := func() time.Time { return planEpoch }
	f := &planFixture{
		store:  slot.NewStore(nil, zap.NewNop(), slot.WithClock(clock)),
		queue:  waitlist.NewQueue(50, nil).WithClock(clock),
		clinic: uuid.New(),
		svc:    uuid.New(),
	}
	estimator := waittime.NewEstimator(f.store, f.queue, nil, zap.NewNop(), time.Minute).WithClock(clock)
	f.planner = NewPlanner(f.store, estimator, f.queue).WithClock(clock)
	return f
}

func (f *planFixture) addSlot(t *testing.T, doctorID uuid.UUID, start time.Time, book bool) slot.TimeSlot {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.Create(ctx, slot.TimeSlot{
		DoctorID:  doctorID,
		ClinicID:  f.clinic,
		ServiceID: f.svc,
		Start:     start,
		End:       start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	if book {
		appt, patient := uuid.New(), uuid.New()
		created, err = f.store.Mutate(ctx, created.ID, created.Version, slot.Transition{
			To: slot.StatusBooked, AppointmentID: &appt, PatientID: &patient,
		})
		if err != nil {
			t.Fatalf("book slot: %v", err)
		}
	}
	return created
}

func TestPlanLoadAndUtilization(t *testing.T) {
	f := newPlanFixture(t)
	busy, idle := uuid.New(), uuid.New()

	// One doctor fully booked, one fully idle.
	for i := 0; i < 4; i++ {
		f.addSlot(t, busy, planEpoch.Add(time.Duration(i+1)*time.Hour), true)
		f.addSlot(t, idle, planEpoch.Add(time.Duration(i+1)*time.Hour), false)
	}

	rng := DateRange{From: planEpoch, To: planEpoch.Add(24 * time.Hour)}
	report, err := f.planner.Plan(context.Background(), f.clinic, rng)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if report.CurrentLoad != 0.5 {
		t.Fatalf("load = %f, want 0.5", report.CurrentLoad)
	}
	if report.StaffUtilization != 0.5 {
		t.Fatalf("utilization = %f, want 0.5", report.StaffUtilization)
	}

	// One saturated doctor shows up as a staffing bottleneck.
	var staffing bool
	for _, b := range report.Bottlenecks {
		if b.Area == "staffing" {
			staffing = true
		}
	}
	if !staffing {
		t.Fatalf("bottlenecks = %v, want a staffing entry", report.Bottlenecks)
	}
}

func TestPlanFlagsOverloadedClinic(t *testing.T) {
	f := newPlanFixture(t)
	doctor := uuid.New()

	for i := 0; i < 9; i++ {
		f.addSlot(t, doctor, planEpoch.Add(time.Duration(i+1)*time.Hour), true)
	}
	f.addSlot(t, doctor, planEpoch.Add(12*time.Hour), false)

	for i := 0; i < 6; i++ {
		if _, err := f.queue.Enqueue(context.Background(), waitlist.Entry{
			PatientID: uuid.New(),
			ClinicID:  f.clinic,
			ServiceID: f.svc,
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rng := DateRange{From: planEpoch, To: planEpoch.Add(24 * time.Hour)}
	report, err := f.planner.Plan(context.Background(), f.clinic, rng)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if report.CurrentLoad < 0.9 {
		t.Fatalf("load = %f, want >= 0.9", report.CurrentLoad)
	}
	if report.ProjectedLoad != 1 {
		t.Fatalf("projected load = %f, want capped at 1", report.ProjectedLoad)
	}
	if report.WaitlistDepth != 6 {
		t.Fatalf("waitlist depth = %d, want 6", report.WaitlistDepth)
	}
	if report.AvgEstimatedWait <= 0 {
		t.Fatalf("avg wait = %f, want > 0 for a loaded clinic", report.AvgEstimatedWait)
	}
	if len(report.Recommendations) == 0 {
		t.Fatal("an overloaded clinic must yield recommendations")
	}
	for i := 1; i < len(report.Recommendations); i++ {
		if report.Recommendations[i].Priority < report.Recommendations[i-1].Priority {
			t.Fatal("recommendations not ranked by priority")
		}
	}
}

func TestPlanIsReadOnly(t *testing.T) {
	f := newPlanFixture(t)
	booked := f.addSlot(t, uuid.New(), planEpoch.Add(time.Hour), true)

	rng := DateRange{From: planEpoch, To: planEpoch.Add(24 * time.Hour)}
	if _, err := f.planner.Plan(context.Background(), f.clinic, rng); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	got, err := f.store.Get(context.Background(), booked.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != booked.Version {
		t.Fatalf("planning mutated a slot: version %d -> %d", booked.Version, got.Version)
	}
}

func TestPlanEmptyClinic(t *testing.T) {
	f := newPlanFixture(t)
	rng := DateRange{From: planEpoch, To: planEpoch.Add(24 * time.Hour)}

	report, err := f.planner.Plan(context.Background(), f.clinic, rng)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if report.CurrentLoad != 0 || report.StaffUtilization != 0 {
		t.Fatalf("empty clinic load = %f util = %f, want zeros", report.CurrentLoad, report.StaffUtilization)
	}
	if len(report.Bottlenecks) != 0 {
		t.Fatalf("bottlenecks = %v, want none", report.Bottlenecks)
	}
}
