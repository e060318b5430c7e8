package waittime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
)

// ErrEstimationStale means the cached estimate outlived its freshness
// window; the caller must trigger recomputation before trusting it.
var ErrEstimationStale = errors.New("wait-time estimate is stale, recompute required")

const (
	minConfidence  = 10
	maxConfidence  = 95
	minutesPerSlot = 12.0 // baseline queueing delay contributed per booked slot
)

// Tuple identifies what an estimate is for. DoctorID nil means the whole
// clinic/service pair.
type Tuple struct {
	ServiceID uuid.UUID
	ClinicID  uuid.UUID
	DoctorID  *uuid.UUID
}

func (t Tuple) key() string {
	d := "any"
	if t.DoctorID != nil {
		d = t.DoctorID.String()
	}
	return fmt.Sprintf("%s:%s:%s", t.ServiceID, t.ClinicID, d)
}

// Factor is one weighted contributor to the estimate.
type Factor struct {
	Name       string
	BaseImpact float64
	Multiplier float64
	Weight     float64
}

func (f Factor) minutes() float64 {
	return f.BaseImpact * f.Multiplier * f.Weight
}

// Adjustment is a time-boxed real-time correction. Expired adjustments are
// excluded from computation; they must never leak into the next estimate.
type Adjustment struct {
	Reason    string
	Minutes   float64
	ExpiresAt *time.Time
}

// PeakAnalysis reports whether the tuple is inside a historical peak window.
type PeakAnalysis struct {
	IsPeak     bool
	Multiplier float64
}

// CapacitySnapshot is the occupancy picture the estimate was computed from.
type CapacitySnapshot struct {
	Booked     int
	Available  int
	Waitlisted int
}

// Estimate is a confidence-scored wait prediction for one tuple.
type Estimate struct {
	Tuple       Tuple
	Minutes     float64
	Confidence  int
	Factors     []Factor
	Peak        PeakAnalysis
	Adjustments []Adjustment
	Capacity    CapacitySnapshot
	ComputedAt  time.Time
}

// Sample is one historical observed wait for a tuple.
type Sample struct {
	ObservedAt  time.Time
	WaitMinutes float64
}

// HistoryProvider supplies historical waits for peak analysis and
// confidence scoring. The pgx archive repository implements it.
type HistoryProvider interface {
	WaitSamples(ctx context.Context, serviceID, clinicID uuid.UUID, since time.Time) ([]Sample, error)
}

// Estimator keeps a rolling estimate per tuple. Recomputation happens on a
// fixed cadence and eagerly whenever a slot mutation touches the tuple; it
// is idempotent and safe to run concurrently, last write wins.
type Estimator struct {
	store   *slot.Store
	queue   *waitlist.Queue
	history HistoryProvider
	logger  *zap.Logger
	maxAge  time.Duration
	now     func() time.Time

	mu          sync.RWMutex
	cache       map[string]Estimate
	adjustments map[string][]Adjustment
}

func NewEstimator(store *slot.Store, queue *waitlist.Queue, history HistoryProvider,
	logger *zap.Logger, maxAge time.Duration) *Estimator {

	if maxAge <= 0 {
		maxAge = 90 * time.Second
	}
	return &Estimator{
		store:       store,
		queue:       queue,
		history:     history,
		logger:      logger,
		maxAge:      maxAge,
		now:         time.Now,
		cache:       make(map[string]Estimate),
		adjustments: make(map[string][]Adjustment),
	}
}

// WithClock overrides the estimator's time source.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate returns a fresh estimate for the tuple, recomputing when the
// cached one has aged out.
func (e *Estimator) Estimate(ctx context.Context, t Tuple) (Estimate, error) {
	e.mu.RLock()
	cached, ok := e.cache[t.key()]
	e.mu.RUnlock()

	if ok && e.now().Sub(cached.ComputedAt) < e.maxAge {
		return cached, nil
	}
	return e.Recompute(ctx, t)
}

// Cached returns the cached estimate without recomputing, failing with
// ErrEstimationStale when it has aged out or was never computed.
func (e *Estimator) Cached(t Tuple) (Estimate, error) {
	e.mu.RLock()
	cached, ok := e.cache[t.key()]
	e.mu.RUnlock()

	if !ok || e.now().Sub(cached.ComputedAt) >= e.maxAge {
		return Estimate{}, ErrEstimationStale
	}
	return cached, nil
}

// AddAdjustment registers a temporary real-time correction for a tuple,
// e.g. "doctor running 20 minutes behind".
func (e *Estimator) AddAdjustment(t Tuple, adj Adjustment) {
	e.mu.Lock()
	e.adjustments[t.key()] = append(e.adjustments[t.key()], adj)
	e.mu.Unlock()
}

// Invalidate drops the cached estimate so the next read recomputes. Called
// by the booking service after any mutation touching the tuple.
func (e *Estimator) Invalidate(t Tuple) {
	e.mu.Lock()
	delete(e.cache, t.key())
	e.mu.Unlock()
}

// Recompute builds the estimate from current occupancy, waitlist depth,
// historical peaks, and unexpired adjustments, then stores it last-write-wins.
func (e *Estimator) Recompute(ctx context.Context, t Tuple) (Estimate, error) {
	now := e.now()

	clinicID, serviceID := t.ClinicID, t.ServiceID
	filter := slot.Filter{
		ClinicID:  &clinicID,
		ServiceID: &serviceID,
		DoctorID:  t.DoctorID,
		From:      now,
		To:        now.Add(24 * time.Hour),
	}
	slots, err := e.store.Query(ctx, filter)
	if err != nil {
		return Estimate{}, fmt.Errorf("query occupancy: %w", err)
	}

	snap := CapacitySnapshot{Waitlisted: e.queue.Depth(t.ClinicID, t.ServiceID)}
	urgent := 0
	for _, s := range slots {
		switch s.Status {
		case slot.StatusBooked, slot.StatusReserved:
			snap.Booked++
			if s.Urgent {
				urgent++
			}
		case slot.StatusAvailable:
			snap.Available++
		}
	}

	load := 1.0
	if snap.Booked+snap.Available > 0 {
		load = float64(snap.Booked) / float64(snap.Booked+snap.Available)
	}

	factors := []Factor{
		{Name: "queue_load", BaseImpact: float64(snap.Booked) * minutesPerSlot, Multiplier: 0.5 + load, Weight: 1.0},
		{Name: "waitlist_depth", BaseImpact: float64(snap.Waitlisted) * minutesPerSlot, Multiplier: 1.0, Weight: 0.6},
		{Name: "urgent_load", BaseImpact: float64(urgent) * minutesPerSlot, Multiplier: 1.5, Weight: 0.4},
	}

	minutes := 0.0
	for _, f := range factors {
		minutes += f.minutes()
	}

	samples := e.loadSamples(ctx, t, now)
	peak := peakFor(samples, now)
	minutes *= peak.Multiplier

	active, variance := e.activeAdjustments(t, now, minutes)
	for _, adj := range active {
		minutes += adj.Minutes
	}
	if minutes < 0 {
		minutes = 0
	}

	est := Estimate{
		Tuple:       t,
		Minutes:     math.Round(minutes),
		Confidence:  confidence(len(samples), variance),
		Factors:     factors,
		Peak:        peak,
		Adjustments: active,
		Capacity:    snap,
		ComputedAt:  now,
	}

	e.mu.Lock()
	e.cache[t.key()] = est
	e.mu.Unlock()
	return est, nil
}

// RecomputeAll refreshes every cached tuple. Run by the worker on a fixed
// cadence; concurrent runs are harmless.
func (e *Estimator) RecomputeAll(ctx context.Context) {
	e.mu.RLock()
	tuples := make([]Tuple, 0, len(e.cache))
	for _, est := range e.cache {
		tuples = append(tuples, est.Tuple)
	}
	e.mu.RUnlock()

	for _, t := range tuples {
		if _, err := e.Recompute(ctx, t); err != nil {
			e.logger.Warn("recompute estimate", zap.String("tuple", t.key()), zap.Error(err))
		}
	}
}

// activeAdjustments prunes expired adjustments for the tuple and returns
// the live ones plus their variance against the baseline.
func (e *Estimator) activeAdjustments(t Tuple, now time.Time, baseline float64) ([]Adjustment, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var live []Adjustment
	for _, adj := range e.adjustments[t.key()] {
		if adj.ExpiresAt != nil && !adj.ExpiresAt.After(now) {
			continue
		}
		live = append(live, adj)
	}
	e.adjustments[t.key()] = live

	variance := 0.0
	for _, adj := range live {
		variance += math.Abs(adj.Minutes)
	}
	if baseline > 0 {
		variance /= baseline
	}
	return live, variance
}

func (e *Estimator) loadSamples(ctx context.Context, t Tuple, now time.Time) []Sample {
	if e.history == nil {
		return nil
	}
	samples, err := e.history.WaitSamples(ctx, t.ServiceID, t.ClinicID, now.AddDate(0, 0, -28))
	if err != nil {
		e.logger.Warn("load wait samples", zap.String("tuple", t.key()), zap.Error(err))
		return nil
	}
	return samples
}

// peakFor derives a peak-hour multiplier from how historical waits at this
// hour/weekday compare to the overall average.
func peakFor(samples []Sample, now time.Time) PeakAnalysis {
	if len(samples) == 0 {
		return PeakAnalysis{Multiplier: 1.0}
	}

	var total, slotTotal float64
	slotCount := 0
	for _, s := range samples {
		total += s.WaitMinutes
		if s.ObservedAt.Weekday() == now.Weekday() && s.ObservedAt.Hour() == now.Hour() {
			slotTotal += s.WaitMinutes
			slotCount++
		}
	}
	avg := total / float64(len(samples))
	if slotCount == 0 || avg == 0 {
		return PeakAnalysis{Multiplier: 1.0}
	}

	ratio := (slotTotal / float64(slotCount)) / avg
	if ratio < 0.5 {
		ratio = 0.5
	}
	if ratio > 2.0 {
		ratio = 2.0
	}
	return PeakAnalysis{IsPeak: ratio > 1.2, Multiplier: ratio}
}

// confidence shrinks with small sample sizes and with large divergence
// between real-time adjustments and the baseline. With zero history it sits
// at the floor rather than dividing by zero.
func confidence(sampleCount int, variance float64) int {
	if sampleCount == 0 {
		return minConfidence
	}
	c := 25 + sampleCount*6
	if c > maxConfidence {
		c = maxConfidence
	}
	c -= int(variance * 20)
	if c < minConfidence {
		c = minConfidence
	}
	return c
}
