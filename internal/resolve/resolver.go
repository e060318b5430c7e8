package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflow/scheduling-core/internal/conflict"
	"github.com/careflow/scheduling-core/internal/redisclient"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waitlist"
)

var (
	ErrActionNotFound      = errors.New("resolution action not found")
	ErrRollbackExpired     = errors.New("rollback window expired, action is irreversible")
	ErrRollbackNotAllowed  = errors.New("action does not support rollback")
	manualRecommendation   = "manual intervention required: automated resolution failed"
	escalateRecommendation = "escalated to manual review queue"
)

// AuditSink records produced actions and rollbacks for later inspection.
// The pgx archive repository implements it in production.
type AuditSink interface {
	RecordAction(ctx context.Context, a Action) error
	RecordRollback(ctx context.Context, actionID uuid.UUID, at time.Time) error
}

// ResolutionResult is the outcome of a batch resolution run.
type ResolutionResult struct {
	Success              bool
	ResolvedIDs          []uuid.UUID
	UnresolvedIDs        []uuid.UUID
	Actions              []Action
	AffectedAppointments []uuid.UUID
	SuccessRate          float64
	Elapsed              time.Duration
	Recommendations      []string
}

// Config tunes the resolver's timing behavior.
type Config struct {
	ConfirmDeadline time.Duration // patient confirmation window, also the rollback window
	ReservationTTL  time.Duration // hold ttl on proposed alternative slots
	MaxRetries      int           // bounded optimistic retry count per mutation
}

// Resolver applies per-category strategies to detected conflicts. Conflicts
// for one doctor resolve strictly in priority order; different doctors'
// batches run concurrently, each under the distributed doctor lock.
type Resolver struct {
	store      *slot.Store
	registry   *conflict.Registry
	locker     redisclient.Locker
	strategies map[conflict.Category]Strategy
	audit      AuditSink
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	mu      sync.Mutex
	applied map[uuid.UUID]Action // actions still inside their rollback window
}

func NewResolver(store *slot.Store, registry *conflict.Registry, queue *waitlist.Queue,
	locker redisclient.Locker, audit AuditSink, logger *zap.Logger, cfg Config) *Resolver {

	if cfg.ConfirmDeadline <= 0 {
		cfg.ConfirmDeadline = 15 * time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = cfg.ConfirmDeadline
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	deps := &strategyDeps{
		store:    store,
		queue:    queue,
		deadline: cfg.ConfirmDeadline,
		holdTTL:  cfg.ReservationTTL,
		retries:  cfg.MaxRetries,
		now:      time.Now,
	}

	return &Resolver{
		store:    store,
		registry: registry,
		locker:   locker,
		strategies: map[conflict.Category]Strategy{
			conflict.CategoryTimeOverlap:       &timeOverlapStrategy{deps},
			conflict.CategoryDoubleBooking:     &doubleBookingStrategy{deps},
			conflict.CategoryCapacityExceeded:  &capacityStrategy{deps},
			conflict.CategoryDoctorUnavailable: &doctorUnavailableStrategy{deps},
		},
		audit:   audit,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		applied: make(map[uuid.UUID]Action),
	}
}

// SetStrategy swaps the strategy for a category. The double-booking
// tie-break and the FIFO waitlist policy are deployment decisions; this is
// the extension point for clinics that want different ones.
func (r *Resolver) SetStrategy(cat conflict.Category, s Strategy) {
	r.strategies[cat] = s
}

// CanResolveAutomatically is the safety gate: critical severity, any
// medical risk, or a manual-only category always goes to a human.
func (r *Resolver) CanResolveAutomatically(c conflict.Conflict) bool {
	if c.Severity == conflict.SeverityCritical {
		return false
	}
	if c.Impact.MedicalRisk != conflict.RiskNone {
		return false
	}
	switch c.Category {
	case conflict.CategoryEquipmentUnavailable, conflict.CategoryEmergencyOverride:
		return false
	}
	return true
}

// Prioritize orders a batch for resolution: severity descending, then
// numeric priority descending, then detection time newest first. The order
// is deterministic for a given input set.
func (r *Resolver) Prioritize(conflicts []conflict.Conflict) []conflict.Conflict {
	ordered := make([]conflict.Conflict, len(conflicts))
	copy(ordered, conflicts)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity.Rank() != ordered[j].Severity.Rank() {
			return ordered[i].Severity.Rank() > ordered[j].Severity.Rank()
		}
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].DetectedAt.After(ordered[j].DetectedAt)
	})
	return ordered
}

// ResolveConflicts runs a prioritized batch. It never returns an error:
// any unexpected internal failure degrades to a result with Success=false,
// every input conflict unresolved, and a single critical recommendation.
// Conflicts are never silently dropped.
func (r *Resolver) ResolveConflicts(ctx context.Context, conflicts []conflict.Conflict) (result *ResolutionResult) {
	start := r.now()
	result = &ResolutionResult{Success: true}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("batch resolution panicked", zap.Any("panic", p))
			result = r.failedResult(conflicts, r.now().Sub(start))
		}
	}()

	if len(conflicts) == 0 {
		result.SuccessRate = 100
		result.Elapsed = r.now().Sub(start)
		return result
	}

	ordered := r.Prioritize(conflicts)

	// Group by doctor preserving priority order within each group.
	groupOrder := make([]uuid.UUID, 0)
	groups := make(map[uuid.UUID][]conflict.Conflict)
	for _, c := range ordered {
		if _, ok := groups[c.DoctorID]; !ok {
			groupOrder = append(groupOrder, c.DoctorID)
		}
		groups[c.DoctorID] = append(groups[c.DoctorID], c)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, doctorID := range groupOrder {
		docID := doctorID
		batch := groups[docID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("doctor batch panicked",
						zap.String("doctor_id", docID.String()),
						zap.Any("panic", p))
					mu.Lock()
					result.Success = false
					for _, c := range batch {
						result.UnresolvedIDs = append(result.UnresolvedIDs, c.ID)
					}
					result.Recommendations = append(result.Recommendations, manualRecommendation)
					mu.Unlock()
				}
			}()

			err := r.locker.WithDoctorLock(ctx, docID, func(lockCtx context.Context) error {
				for _, c := range batch {
					outcome := r.resolveOne(lockCtx, c)
					mu.Lock()
					r.mergeOutcome(result, c, outcome)
					mu.Unlock()
				}
				return nil
			})
			if err != nil {
				r.logger.Warn("doctor lock unavailable, escalating batch",
					zap.String("doctor_id", docID.String()),
					zap.Error(err))
				mu.Lock()
				for _, c := range batch {
					result.UnresolvedIDs = append(result.UnresolvedIDs, c.ID)
				}
				result.Recommendations = append(result.Recommendations, escalateRecommendation)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := len(conflicts)
	result.Success = len(result.UnresolvedIDs) == 0
	result.SuccessRate = float64(total-len(result.UnresolvedIDs)) / float64(total) * 100
	result.Elapsed = r.now().Sub(start)
	return result
}

type outcome struct {
	resolved       bool
	actions        []Action
	recommendation string
}

func (r *Resolver) resolveOne(ctx context.Context, c conflict.Conflict) outcome {
	if !r.CanResolveAutomatically(c) {
		return outcome{
			actions:        []Action{r.escalationAction(c)},
			recommendation: escalateRecommendation,
		}
	}

	strategy, ok := r.strategies[c.Category]
	if !ok {
		return outcome{
			actions:        []Action{r.escalationAction(c)},
			recommendation: escalateRecommendation,
		}
	}

	actions, err := strategy.Resolve(ctx, c)
	if err != nil {
		if errors.Is(err, ErrConflictUnresolvable) {
			r.logger.Info("conflict unresolvable, escalating",
				zap.String("conflict_id", c.ID.String()),
				zap.String("category", string(c.Category)))
			return outcome{
				actions:        []Action{r.escalationAction(c)},
				recommendation: escalateRecommendation,
			}
		}
		r.logger.Error("strategy failed",
			zap.String("conflict_id", c.ID.String()),
			zap.String("category", string(c.Category)),
			zap.Error(err))
		return outcome{recommendation: manualRecommendation}
	}

	for _, a := range actions {
		if a.Applied && a.Rollback.CanRollback {
			r.mu.Lock()
			r.applied[a.ID] = a
			r.mu.Unlock()
		}
		r.recordAudit(ctx, a)
	}
	if r.registry != nil {
		r.registry.Retire(c.ID)
	}
	return outcome{resolved: true, actions: actions}
}

func (r *Resolver) mergeOutcome(result *ResolutionResult, c conflict.Conflict, o outcome) {
	result.Actions = append(result.Actions, o.actions...)
	for _, a := range o.actions {
		if a.AppointmentID != nil {
			result.AffectedAppointments = append(result.AffectedAppointments, *a.AppointmentID)
		}
	}
	if o.resolved {
		result.ResolvedIDs = append(result.ResolvedIDs, c.ID)
	} else {
		result.UnresolvedIDs = append(result.UnresolvedIDs, c.ID)
	}
	if o.recommendation != "" {
		result.Recommendations = append(result.Recommendations, o.recommendation)
	}
}

// escalationAction is the generic placeholder attached to conflicts routed
// to manual review.
func (r *Resolver) escalationAction(c conflict.Conflict) Action {
	target := uuid.Nil
	if len(c.SlotIDs) > 0 {
		target = c.SlotIDs[0]
	}
	confirmBy := r.now().Add(r.cfg.ConfirmDeadline)
	return Action{
		ID:                   uuid.New(),
		Type:                 ActionReschedule,
		ConflictID:           c.ID,
		TargetSlotID:         target,
		Automated:            false,
		RequiresConfirmation: true,
		ConfirmBy:            &confirmBy,
		Risk:                 RiskLevelHigh,
		Rollback:             RollbackPlan{CanRollback: false},
		CreatedAt:            r.now(),
	}
}

func (r *Resolver) failedResult(conflicts []conflict.Conflict, elapsed time.Duration) *ResolutionResult {
	unresolved := make([]uuid.UUID, 0, len(conflicts))
	for _, c := range conflicts {
		unresolved = append(unresolved, c.ID)
	}
	return &ResolutionResult{
		Success:         false,
		UnresolvedIDs:   unresolved,
		SuccessRate:     0,
		Elapsed:         elapsed,
		Recommendations: []string{manualRecommendation},
	}
}

// Rollback reverses an applied action inside its rollback window, restoring
// each touched slot's status and occupant exactly as captured. After the
// window expires the action is irreversible.
func (r *Resolver) Rollback(ctx context.Context, actionID uuid.UUID) error {
	r.mu.Lock()
	a, ok := r.applied[actionID]
	r.mu.Unlock()
	if !ok {
		return ErrActionNotFound
	}
	if !a.Rollback.CanRollback {
		return ErrRollbackNotAllowed
	}
	if r.now().After(a.Rollback.Deadline) {
		r.mu.Lock()
		delete(r.applied, actionID)
		r.mu.Unlock()
		return ErrRollbackExpired
	}

	for _, step := range a.Rollback.Steps {
		if err := r.restore(ctx, step); err != nil {
			return fmt.Errorf("rollback action %s at slot %s: %w", actionID, step.SlotID, err)
		}
	}

	r.mu.Lock()
	delete(r.applied, actionID)
	r.mu.Unlock()

	if r.audit != nil {
		if err := r.audit.RecordRollback(ctx, actionID, r.now()); err != nil {
			r.logger.Warn("record rollback", zap.Error(err))
		}
	}
	return nil
}

func (r *Resolver) restore(ctx context.Context, step RollbackStep) error {
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		cur, err := r.store.Get(ctx, step.SlotID)
		if err != nil {
			return err
		}
		if cur.Status == step.RestoreStatus &&
			equalRef(cur.AppointmentID, step.AppointmentID) &&
			equalRef(cur.PatientID, step.PatientID) {
			return nil
		}
		_, err = r.store.Mutate(ctx, step.SlotID, cur.Version, slot.Transition{
			To:            step.RestoreStatus,
			AppointmentID: step.AppointmentID,
			PatientID:     step.PatientID,
			Reason:        "rollback",
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, slot.ErrVersionConflict) {
			return err
		}
	}
	return slot.ErrVersionConflict
}

func (r *Resolver) recordAudit(ctx context.Context, a Action) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordAction(ctx, a); err != nil {
		r.logger.Warn("record resolution action",
			zap.String("action_id", a.ID.String()),
			zap.Error(err))
	}
}

func equalRef(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
