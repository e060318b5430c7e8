package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/scheduling-core/internal/resolve"
	"github.com/careflow/scheduling-core/internal/slot"
	"github.com/careflow/scheduling-core/internal/waittime"
)

// PgRepository persists what outlives the in-memory store: retired slots,
// the resolution-action audit trail, and historical wait samples.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// ArchiveSlots writes retired slots pruned from the store.
func (r *PgRepository) ArchiveSlots(ctx context.Context, slots []slot.TimeSlot) error {
	for _, s := range slots {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO archived_slots
				(id, doctor_id, clinic_id, service_id, start_time, end_time,
				 status, appointment_id, patient_id, urgent, version, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			s.ID, s.DoctorID, s.ClinicID, s.ServiceID, s.Start, s.End,
			string(s.Status), s.AppointmentID, s.PatientID, s.Urgent, s.Version, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("archive slot %s: %w", s.ID, err)
		}
	}
	return nil
}

// RecordAction appends a resolution action to the audit trail.
func (r *PgRepository) RecordAction(ctx context.Context, a resolve.Action) error {
	rollback, err := json.Marshal(a.Rollback)
	if err != nil {
		return fmt.Errorf("marshal rollback plan: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO resolution_actions
			(id, conflict_id, action_type, target_slot_id, new_slot_id,
			 appointment_id, automated, requires_confirmation, confirm_by,
			 risk, applied, rollback_plan, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.ConflictID, string(a.Type), a.TargetSlotID, a.NewSlotID,
		a.AppointmentID, a.Automated, a.RequiresConfirmation, a.ConfirmBy,
		string(a.Risk), a.Applied, rollback, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record resolution action %s: %w", a.ID, err)
	}
	return nil
}

// RecordRollback marks an audited action as rolled back.
func (r *PgRepository) RecordRollback(ctx context.Context, actionID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE resolution_actions
		SET rolled_back_at = $2
		WHERE id = $1`,
		actionID, at,
	)
	if err != nil {
		return fmt.Errorf("record rollback for action %s: %w", actionID, err)
	}
	return nil
}

// RecordWaitSample stores an observed wait for later peak analysis.
func (r *PgRepository) RecordWaitSample(ctx context.Context, serviceID, clinicID uuid.UUID, waitMinutes float64, observedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wait_samples (service_id, clinic_id, wait_minutes, observed_at)
		VALUES ($1, $2, $3, $4)`,
		serviceID, clinicID, waitMinutes, observedAt,
	)
	if err != nil {
		return fmt.Errorf("record wait sample: %w", err)
	}
	return nil
}

// WaitSamples implements waittime.HistoryProvider.
func (r *PgRepository) WaitSamples(ctx context.Context, serviceID, clinicID uuid.UUID, since time.Time) ([]waittime.Sample, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT observed_at, wait_minutes
		FROM wait_samples
		WHERE service_id = $1 AND clinic_id = $2 AND observed_at >= $3
		ORDER BY observed_at`,
		serviceID, clinicID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query wait samples: %w", err)
	}
	defer rows.Close()

	var samples []waittime.Sample
	for rows.Next() {
		var s waittime.Sample
		if err := rows.Scan(&s.ObservedAt, &s.WaitMinutes); err != nil {
			return nil, fmt.Errorf("scan wait sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
