package rank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/slot"
)

const (
	baseScore            = 100.0
	offPreferredDoctor   = 0.7
	offPreferredClinic   = 0.8
	hourlyPenaltyPerUnit = 0.01 // fraction of score lost per hour at zero flexibility
	maxTimeDiscount      = 0.8
)

// Request captures what the patient asked for and how flexible they are.
// Flexibility scores are 0..1; higher means more willing to compromise.
type Request struct {
	PatientID          uuid.UUID
	ServiceID          uuid.UUID
	ClinicID           uuid.UUID
	DoctorID           *uuid.UUID
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

// Alternative is one scored candidate slot. Compromises, risks and benefits
// are explanatory only; they never feed back into the score.
type Alternative struct {
	Slot        slot.TimeSlot
	Score       float64
	Compromises []string
	Risks       []string
	Benefits    []string
}

type Ranker struct {
	store      *slot.Store
	maxResults int
	now        func() time.Time
}

func NewRanker(store *slot.Store, maxResults int) *Ranker {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Ranker{store: store, maxResults: maxResults, now: time.Now}
}

// WithClock overrides the ranker's time source.
func (r *Ranker) WithClock(now func() time.Time) *Ranker {
	r.now = now
	return r
}

// FindAlternatives scores available slots for a request that could not be
// satisfied as-is and returns at most maxResults of them, best first.
// Conflicted slots are excluded from candidacy.
func (r *Ranker) FindAlternatives(ctx context.Context, req Request, conflicts []conflict.Conflict) ([]Alternative, error) {
	serviceID := req.ServiceID
	candidates, err := r.store.Query(ctx, slot.Filter{
		ServiceID: &serviceID,
		Statuses:  []slot.Status{slot.StatusAvailable},
		From:      req.Earliest,
		To:        req.Latest,
	})
	if err != nil {
		return nil, fmt.Errorf("query candidate slots: %w", err)
	}

	conflicted := make(map[uuid.UUID]bool)
	for _, c := range conflicts {
		for _, id := range c.SlotIDs {
			conflicted[id] = true
		}
	}

	alts := make([]Alternative, 0, len(candidates))
	for _, s := range candidates {
		if conflicted[s.ID] {
			continue
		}
		alts = append(alts, r.score(req, s))
	}

	sort.SliceStable(alts, func(i, j int) bool {
		if alts[i].Score == alts[j].Score {
			return alts[i].Slot.Start.Before(alts[j].Slot.Start)
		}
		return alts[i].Score > alts[j].Score
	})

	if len(alts) > r.maxResults {
		alts = alts[:r.maxResults]
	}
	return alts, nil
}

func (r *Ranker) score(req Request, s slot.TimeSlot) Alternative {
	alt := Alternative{Slot: s, Score: baseScore}

	hours := math.Abs(s.Start.Sub(req.Earliest).Hours())
	if hours > 0 {
		// More flexible requesters lose less score per hour of distance.
		discount := hours * hourlyPenaltyPerUnit * (2 - clamp01(req.TimeFlexibility))
		if discount > maxTimeDiscount {
			discount = maxTimeDiscount
		}
		alt.Score *= 1 - discount
		if hours >= 1 {
			alt.Compromises = append(alt.Compromises,
				fmt.Sprintf("%.0f hours from preferred time", hours))
		}
		if hours > 24 {
			alt.Risks = append(alt.Risks, "> 24h delay from preferred time")
		}
	}

	if len(req.PreferredDoctorIDs) > 0 && !containsID(req.PreferredDoctorIDs, s.DoctorID) {
		alt.Score *= offPreferredDoctor
		alt.Compromises = append(alt.Compromises, "different doctor than preferred")
		alt.Risks = append(alt.Risks, "assigned clinician differs from patient preference")
	}

	if len(req.PreferredClinicIDs) > 0 && !containsID(req.PreferredClinicIDs, s.ClinicID) {
		alt.Score *= offPreferredClinic
		alt.Compromises = append(alt.Compromises, "different clinic than preferred")
	}

	if s.Start.Sub(r.now()) <= 24*time.Hour {
		alt.Benefits = append(alt.Benefits, "immediate availability")
	}
	if len(req.PreferredDoctorIDs) > 0 && containsID(req.PreferredDoctorIDs, s.DoctorID) {
		alt.Benefits = append(alt.Benefits, "preferred doctor")
	}

	return alt
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
