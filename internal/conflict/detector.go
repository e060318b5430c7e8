package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/slot"
)

// DetectorConfig carries the capacity limits and the per-service medical
// risk lookup used for impact analysis.
type DetectorConfig struct {
	// DailyCapacity caps booked slots per clinic/service tuple per day.
	// Tuples not present fall back to DefaultDailyCapacity.
	DailyCapacity        map[TupleKey]int
	DefaultDailyCapacity int
	// ServiceRisk maps a service to the medical risk of disturbing its
	// appointments. Services not present are RiskNone.
	ServiceRisk map[uuid.UUID]MedicalRisk
}

type TupleKey struct {
	ClinicID  uuid.UUID
	ServiceID uuid.UUID
}

func (c DetectorConfig) dailyCapacity(clinicID, serviceID uuid.UUID) int {
	if n, ok := c.DailyCapacity[TupleKey{ClinicID: clinicID, ServiceID: serviceID}]; ok {
		return n
	}
	return c.DefaultDailyCapacity
}

func (c DetectorConfig) riskFor(serviceID uuid.UUID) MedicalRisk {
	if r, ok := c.ServiceRisk[serviceID]; ok {
		return r
	}
	return RiskNone
}

// Detector scans store state for violations. Detection is a pure read; it
// never mutates the store.
type Detector struct {
	store *slot.Store
	cfg   DetectorConfig
	now   func() time.Time
}

func NewDetector(store *slot.Store, cfg DetectorConfig) *Detector {
	if cfg.DefaultDailyCapacity <= 0 {
		cfg.DefaultDailyCapacity = 10
	}
	return &Detector{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the detection timestamp source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Detect finds every conflict touching the candidate slots: overlapping
// bookings for one doctor, a patient double-booked across doctors, a
// clinic/service tuple over its daily cap, and booked slots owned by an
// unavailable doctor.
func (d *Detector) Detect(ctx context.Context, candidateIDs []uuid.UUID) ([]Conflict, error) {
	candidates := make([]slot.TimeSlot, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		s, err := d.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, slot.ErrSlotNotFound) {
				continue
			}
			return nil, fmt.Errorf("load candidate slot %s: %w", id, err)
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	window := windowAround(candidates)
	doctors := make(map[uuid.UUID]bool)
	for _, c := range candidates {
		doctors[c.DoctorID] = true
	}

	var conflicts []Conflict
	seen := make(map[string]bool)
	byPatient := make(map[uuid.UUID][]slot.TimeSlot)

	for doctorID := range doctors {
		docID := doctorID
		active, err := d.store.Query(ctx, slot.Filter{
			DoctorID: &docID,
			Statuses: []slot.Status{slot.StatusBooked, slot.StatusReserved},
			From:     window.from,
			To:       window.to,
		})
		if err != nil {
			return nil, fmt.Errorf("query doctor %s slots: %w", docID, err)
		}

		for i := 0; i < len(active); i++ {
			for j := i + 1; j < len(active); j++ {
				if active[i].Overlaps(active[j]) {
					d.addConflict(&conflicts, seen, d.overlapConflict(active[i], active[j]))
				}
			}
			if active[i].Status == slot.StatusBooked && active[i].PatientID != nil {
				byPatient[*active[i].PatientID] = append(byPatient[*active[i].PatientID], active[i])
			}
		}

		if !d.store.DoctorAvailable(docID) {
			if c, ok := d.unavailableConflict(docID, active); ok {
				d.addConflict(&conflicts, seen, c)
			}
		}

		blocked, err := d.store.Query(ctx, slot.Filter{
			DoctorID: &docID,
			Statuses: []slot.Status{slot.StatusBlocked},
			From:     window.from,
			To:       window.to,
		})
		if err != nil {
			return nil, fmt.Errorf("query doctor %s blocked slots: %w", docID, err)
		}
		for _, b := range blocked {
			cat, sev, ok := blockCategory(b.BlockReason)
			if !ok {
				continue
			}
			for _, s := range active {
				if s.Status == slot.StatusBooked && s.Overlaps(b) {
					d.addConflict(&conflicts, seen, d.blockConflict(cat, sev, s, b))
				}
			}
		}
	}

	for patientID, slots := range byPatient {
		for i := 0; i < len(slots); i++ {
			for j := i + 1; j < len(slots); j++ {
				if slots[i].DoctorID != slots[j].DoctorID && slots[i].Overlaps(slots[j]) {
					d.addConflict(&conflicts, seen, d.doubleBookingConflict(patientID, slots[i], slots[j]))
				}
			}
		}
	}

	capConflicts, err := d.detectCapacity(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for _, c := range capConflicts {
		d.addConflict(&conflicts, seen, c)
	}

	return conflicts, nil
}

func (d *Detector) overlapConflict(a, b slot.TimeSlot) Conflict {
	severity := SeverityMedium
	if a.Urgent || b.Urgent {
		severity = SeverityHigh
	}
	risk := maxRisk(d.cfg.riskFor(a.ServiceID), d.cfg.riskFor(b.ServiceID))
	return d.build(CategoryTimeOverlap, severity, risk, a.DoctorID, a.ClinicID, a.ServiceID,
		[]slot.TimeSlot{a, b})
}

func (d *Detector) doubleBookingConflict(patientID uuid.UUID, a, b slot.TimeSlot) Conflict {
	risk := maxRisk(d.cfg.riskFor(a.ServiceID), d.cfg.riskFor(b.ServiceID))
	c := d.build(CategoryDoubleBooking, SeverityHigh, risk, a.DoctorID, a.ClinicID, a.ServiceID,
		[]slot.TimeSlot{a, b})
	c.PatientIDs = []uuid.UUID{patientID}
	c.Impact.AffectedPatients = 1
	return c
}

// blockCategory maps a blocked slot's reason to a conflict category. Only
// equipment and emergency blocks surface as conflicts; administrative blocks
// are routine and produce none.
func blockCategory(reason string) (Category, Severity, bool) {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "equipment"):
		return CategoryEquipmentUnavailable, SeverityHigh, true
	case strings.Contains(r, "emergency"):
		return CategoryEmergencyOverride, SeverityCritical, true
	}
	return "", "", false
}

func (d *Detector) blockConflict(cat Category, sev Severity, booked, blocked slot.TimeSlot) Conflict {
	return d.build(cat, sev, d.cfg.riskFor(booked.ServiceID),
		booked.DoctorID, booked.ClinicID, booked.ServiceID,
		[]slot.TimeSlot{booked, blocked})
}

func (d *Detector) unavailableConflict(doctorID uuid.UUID, active []slot.TimeSlot) (Conflict, bool) {
	var booked []slot.TimeSlot
	for _, s := range active {
		if s.Status == slot.StatusBooked {
			booked = append(booked, s)
		}
	}
	if len(booked) == 0 {
		return Conflict{}, false
	}
	risk := RiskNone
	for _, s := range booked {
		risk = maxRisk(risk, d.cfg.riskFor(s.ServiceID))
	}
	return d.build(CategoryDoctorUnavailable, SeverityHigh, risk,
		doctorID, booked[0].ClinicID, booked[0].ServiceID, booked), true
}

func (d *Detector) detectCapacity(ctx context.Context, candidates []slot.TimeSlot) ([]Conflict, error) {
	type dayTuple struct {
		key TupleKey
		day time.Time
	}
	tuples := make(map[dayTuple]bool)
	for _, c := range candidates {
		tuples[dayTuple{
			key: TupleKey{ClinicID: c.ClinicID, ServiceID: c.ServiceID},
			day: c.Start.Truncate(24 * time.Hour),
		}] = true
	}

	var conflicts []Conflict
	for t := range tuples {
		clinicID, serviceID := t.key.ClinicID, t.key.ServiceID
		booked, err := d.store.Query(ctx, slot.Filter{
			ClinicID:  &clinicID,
			ServiceID: &serviceID,
			Statuses:  []slot.Status{slot.StatusBooked},
			From:      t.day,
			To:        t.day.Add(24 * time.Hour),
		})
		if err != nil {
			return nil, fmt.Errorf("query capacity for clinic %s service %s: %w", clinicID, serviceID, err)
		}

		capLimit := d.cfg.dailyCapacity(clinicID, serviceID)
		if capLimit > 0 && len(booked) > capLimit {
			c := d.build(CategoryCapacityExceeded, SeverityMedium, d.cfg.riskFor(serviceID),
				uuid.Nil, clinicID, serviceID, booked)
			if len(booked) > 0 {
				c.DoctorID = booked[0].DoctorID
			}
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

func (d *Detector) build(cat Category, sev Severity, risk MedicalRisk,
	doctorID, clinicID, serviceID uuid.UUID, slots []slot.TimeSlot) Conflict {

	ids := make([]uuid.UUID, 0, len(slots))
	patients := make(map[uuid.UUID]bool)
	appointments := 0
	urgent := false
	for _, s := range slots {
		ids = append(ids, s.ID)
		if s.AppointmentID != nil {
			appointments++
		}
		if s.PatientID != nil {
			patients[*s.PatientID] = true
		}
		if s.Urgent {
			urgent = true
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	patientIDs := make([]uuid.UUID, 0, len(patients))
	for p := range patients {
		patientIDs = append(patientIDs, p)
	}
	sort.Slice(patientIDs, func(i, j int) bool { return patientIDs[i].String() < patientIDs[j].String() })

	priority := sev.Rank()*100 + appointments*10
	if urgent {
		priority += 25
	}

	return Conflict{
		ID:         uuid.New(),
		Category:   cat,
		Severity:   sev,
		SlotIDs:    ids,
		PatientIDs: patientIDs,
		DoctorID:   doctorID,
		ClinicID:   clinicID,
		ServiceID:  serviceID,
		DetectedAt: d.now(),
		Priority:   priority,
		Impact: Impact{
			AffectedAppointments:  appointments,
			AffectedPatients:      len(patients),
			MedicalRisk:           risk,
			OperationalDisruption: disruptionFor(appointments),
		},
	}
}

// addConflict appends c unless an identical category/slot-set conflict was
// already recorded during this scan.
func (d *Detector) addConflict(conflicts *[]Conflict, seen map[string]bool, c Conflict) {
	parts := make([]string, 0, len(c.SlotIDs)+1)
	parts = append(parts, string(c.Category))
	for _, id := range c.SlotIDs {
		parts = append(parts, id.String())
	}
	key := strings.Join(parts, "|")
	if seen[key] {
		return
	}
	seen[key] = true
	*conflicts = append(*conflicts, c)
}

type timeWindow struct {
	from, to time.Time
}

func windowAround(slots []slot.TimeSlot) timeWindow {
	w := timeWindow{from: slots[0].Start, to: slots[0].End}
	for _, s := range slots[1:] {
		if s.Start.Before(w.from) {
			w.from = s.Start
		}
		if s.End.After(w.to) {
			w.to = s.End
		}
	}
	// Widen to whole days so same-day conflicts outside the exact candidate
	// interval are still caught.
	w.from = w.from.Truncate(24 * time.Hour)
	w.to = w.to.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return w
}
