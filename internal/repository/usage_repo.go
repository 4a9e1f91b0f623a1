package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

// IncrementDailyUsage atomically bumps the per-day counter and returns the new value.
func (r *UsageRepo) IncrementDailyUsage(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO daily_usage (user_id, usage_date, count) VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, usage_date) DO UPDATE SET count = daily_usage.count + 1
		 RETURNING count`,
		userID, day.Format("2006-01-02"),
	).Scan(&count)
	return count, err
}
