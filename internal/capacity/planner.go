package capacity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
	"github.com/careflow/scheduling-core/internal/waittime"
)

// DateRange bounds a planning report.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Bottleneck names one constrained area and why.
type Bottleneck struct {
	Area     string
	Severity conflict.Severity
	Factors  []string
}

// Recommendation is one advisory capacity change, ranked by priority.
type Recommendation struct {
	Priority              int
	Action                string
	ExpectedWaitReduction float64 // percent
	CostImpact            string
	Effort                string
}

// Report combines load analysis with ranked recommendations. It is
// advisory only; producing one never mutates anything.
type Report struct {
	ClinicID         uuid.UUID
	Range            DateRange
	CurrentLoad      float64 // booked / total, 0..1
	ProjectedLoad    float64
	StaffUtilization float64
	WaitlistDepth    int
	AvgEstimatedWait float64 // minutes, averaged across the clinic's services
	Bottlenecks      []Bottleneck
	Recommendations  []Recommendation
	GeneratedAt      time.Time
}

// Planner aggregates store occupancy, waitlist depth, and estimator output
// into operator-facing capacity reports.
type Planner struct {
	store     *slot.Store
	estimator *waittime.Estimator
	queue     *waitlist.Queue
	now       func() time.Time
}

func NewPlanner(store *slot.Store, estimator *waittime.Estimator, queue *waitlist.Queue) *Planner {
	return &Planner{store: store, estimator: estimator, queue: queue, now: time.Now}
}

// WithClock overrides the planner's time source.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

func (p *Planner) Plan(ctx context.Context, clinicID uuid.UUID, rng DateRange) (Report, error) {
	cid := clinicID
	slots, err := p.store.Query(ctx, slot.Filter{
		ClinicID: &cid,
		From:     rng.From,
		To:       rng.To,
	})
	if err != nil {
		return Report{}, fmt.Errorf("query clinic slots: %w", err)
	}

	report := Report{
		ClinicID:    clinicID,
		Range:       rng,
		GeneratedAt: p.now(),
	}

	var booked, available int
	doctorBooked := make(map[uuid.UUID]int)
	doctorTotal := make(map[uuid.UUID]int)
	services := make(map[uuid.UUID]bool)
	for _, s := range slots {
		doctorTotal[s.DoctorID]++
		services[s.ServiceID] = true
		switch s.Status {
		case slot.StatusBooked, slot.StatusReserved:
			booked++
			doctorBooked[s.DoctorID]++
		case slot.StatusAvailable:
			available++
		}
	}

	total := booked + available
	if total > 0 {
		report.CurrentLoad = float64(booked) / float64(total)
	}

	var waitSum float64
	waitCount := 0
	for serviceID := range services {
		report.WaitlistDepth += p.queue.Depth(clinicID, serviceID)
		if est, err := p.estimator.Estimate(ctx, waittime.Tuple{ServiceID: serviceID, ClinicID: clinicID}); err == nil {
			waitSum += est.Minutes
			waitCount++
		}
	}
	if waitCount > 0 {
		report.AvgEstimatedWait = waitSum / float64(waitCount)
	}

	// Projected load folds the waitlist into demand: entries waiting today
	// become bookings tomorrow.
	if total > 0 {
		report.ProjectedLoad = float64(booked+report.WaitlistDepth) / float64(total)
		if report.ProjectedLoad > 1 {
			report.ProjectedLoad = 1
		}
	}

	if len(doctorTotal) > 0 {
		var util float64
		for id, t := range doctorTotal {
			if t > 0 {
				util += float64(doctorBooked[id]) / float64(t)
			}
		}
		report.StaffUtilization = util / float64(len(doctorTotal))
	}

	report.Bottlenecks = p.bottlenecks(report, doctorBooked, doctorTotal)
	report.Recommendations = p.recommend(report)
	return report, nil
}

func (p *Planner) bottlenecks(r Report, doctorBooked, doctorTotal map[uuid.UUID]int) []Bottleneck {
	var out []Bottleneck

	if r.CurrentLoad >= 0.9 {
		out = append(out, Bottleneck{
			Area:     "overall capacity",
			Severity: conflict.SeverityHigh,
			Factors:  []string{fmt.Sprintf("%.0f%% of slots occupied", r.CurrentLoad*100)},
		})
	} else if r.CurrentLoad >= 0.75 {
		out = append(out, Bottleneck{
			Area:     "overall capacity",
			Severity: conflict.SeverityMedium,
			Factors:  []string{fmt.Sprintf("%.0f%% of slots occupied", r.CurrentLoad*100)},
		})
	}

	saturated := 0
	for id, t := range doctorTotal {
		if t > 0 && float64(doctorBooked[id])/float64(t) >= 0.95 {
			saturated++
		}
	}
	if saturated > 0 {
		out = append(out, Bottleneck{
			Area:     "staffing",
			Severity: conflict.SeverityMedium,
			Factors:  []string{fmt.Sprintf("%d doctors fully booked in range", saturated)},
		})
	}

	if r.WaitlistDepth > 0 {
		sev := conflict.SeverityLow
		if r.WaitlistDepth >= 10 {
			sev = conflict.SeverityHigh
		} else if r.WaitlistDepth >= 5 {
			sev = conflict.SeverityMedium
		}
		out = append(out, Bottleneck{
			Area:     "waitlist backlog",
			Severity: sev,
			Factors:  []string{fmt.Sprintf("%d patients waiting for a slot", r.WaitlistDepth)},
		})
	}

	return out
}

func (p *Planner) recommend(r Report) []Recommendation {
	var recs []Recommendation

	if r.ProjectedLoad >= 0.9 {
		recs = append(recs, Recommendation{
			Priority:              1,
			Action:                "publish additional slots or extend clinic hours in this range",
			ExpectedWaitReduction: 30,
			CostImpact:            "medium",
			Effort:                "medium",
		})
	}
	if r.WaitlistDepth >= 5 {
		recs = append(recs, Recommendation{
			Priority:              2,
			Action:                "open an overflow session to drain the waitlist",
			ExpectedWaitReduction: 20,
			CostImpact:            "medium",
			Effort:                "low",
		})
	}
	for _, b := range r.Bottlenecks {
		if b.Area == "staffing" {
			recs = append(recs, Recommendation{
				Priority:              3,
				Action:                "rebalance bookings toward doctors with open capacity",
				ExpectedWaitReduction: 15,
				CostImpact:            "low",
				Effort:                "low",
			})
		}
	}
	if len(recs) == 0 && r.CurrentLoad < 0.4 {
		recs = append(recs, Recommendation{
			Priority:              5,
			Action:                "capacity is underused; consider consolidating sessions",
			ExpectedWaitReduction: 0,
			CostImpact:            "saves cost",
			Effort:                "low",
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}
