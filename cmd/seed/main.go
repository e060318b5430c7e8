package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careflow/scheduling-core/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	clinics := newIDs(5)
	services := newIDs(8)

	if err := seedWaitSamples(context.Background(), pool, clinics, services, 14); err != nil {
		log.Fatalf("seed wait samples: %v", err)
	}

	log.Println("seed complete")
}

func newIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

// seedWaitSamples writes a plausible two-week wait history per clinic and
// service so the estimator has peak data to work with on a fresh database.
// Mornings and early evenings get longer waits than the midday trough.
func seedWaitSamples(ctx context.Context, pool *pgxpool.Pool, clinics, services []uuid.UUID, days int) error {
	log.Printf("seeding wait samples for %d clinics x %d services over %d days",
		len(clinics), len(services), days)

	now := time.Now().Truncate(time.Hour)
	total := 0

	for _, clinicID := range clinics {
		for _, serviceID := range services {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}

			for day := 0; day < days; day++ {
				for hour := 8; hour <= 19; hour++ {
					observedAt := now.AddDate(0, 0, -day).Add(time.Duration(hour-now.Hour()) * time.Hour)

					base := float64(gofakeit.Number(10, 25))
					if hour <= 10 || hour >= 17 {
						base *= 1.6
					}

					_, err := tx.Exec(ctx, `
						INSERT INTO wait_samples (service_id, clinic_id, wait_minutes, observed_at)
						VALUES ($1, $2, $3, $4)
					`, serviceID, clinicID, base, observedAt)
					if err != nil {
						_ = tx.Rollback(ctx)
						return err
					}
					total++
				}
			}

			if err := tx.Commit(ctx); err != nil {
				return err
			}
		}
	}

	log.Printf("wait samples seeded: %d", total)
	return nil
}
