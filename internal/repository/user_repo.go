package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"flashcards-backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// GetPlan returns the subscription tier. Users without a row are on the free plan.
func (r *UserRepo) GetPlan(ctx context.Context, userID uuid.UUID) (string, error) {
	var plan string
	err := r.pool.QueryRow(ctx, "SELECT plan FROM users WHERE id = $1", userID).Scan(&plan)
	if err != nil {
		if errors.Is(mapNoRows(err), ErrNotFound) {
			return models.PlanFree, nil
		}
		return "", err
	}
	return plan, nil
}

func (r *UserRepo) GetPreferences(ctx context.Context, userID uuid.UUID) (*models.UserPreferences, error) {
	p := &models.UserPreferences{}
	query := `SELECT user_id, skip_preview, default_card_type, theme, updated_at
		FROM user_preferences WHERE user_id = $1`
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.SkipPreview, &p.DefaultCardType, &p.Theme, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(mapNoRows(err), ErrNotFound) {
			return models.DefaultPreferences(userID), nil
		}
		return nil, err
	}
	return p, nil
}

func (r *UserRepo) UpdatePreferences(ctx context.Context, p *models.UserPreferences) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_preferences (user_id, skip_preview, default_card_type, theme, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET skip_preview = EXCLUDED.skip_preview,
		   default_card_type = EXCLUDED.default_card_type, theme = EXCLUDED.theme, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.SkipPreview, p.DefaultCardType, p.Theme, p.UpdatedAt,
	)
	return err
}
