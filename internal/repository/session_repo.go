package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flashcards-backend/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, user_id, input_prompt, card_type, generation_params, status, error_message,
	retry_count, ai_costs, produced_card_ids, created_at, completed_at`

func (r *SessionRepo) CreateSession(ctx context.Context, s *models.GenerationSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.ProducedCardIDs == nil {
		s.ProducedCardIDs = []uuid.UUID{}
	}

	paramsBytes, err := json.Marshal(s.GenerationParams)
	if err != nil {
		return fmt.Errorf("failed to encode generation params: %w", err)
	}
	cardIDs, _ := json.Marshal(s.ProducedCardIDs)

	query := `INSERT INTO generation_sessions (id, user_id, input_prompt, card_type, generation_params, status, retry_count, produced_card_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.InputPrompt, s.CardType, paramsBytes, s.Status, s.RetryCount, cardIDs,
	).Scan(&s.CreatedAt)
}

func (r *SessionRepo) GetSession(ctx context.Context, id uuid.UUID) (*models.GenerationSession, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM generation_sessions WHERE id = $1", id)
	s, err := scanSession(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return s, nil
}

// UpdateSession persists the mutable session fields only if the stored status
// still equals expected.
func (r *SessionRepo) UpdateSession(ctx context.Context, s *models.GenerationSession, expected models.SessionStatus) error {
	var costs []byte
	if s.AICosts != nil {
		costs, _ = json.Marshal(s.AICosts)
	}
	cardIDs, _ := json.Marshal(s.ProducedCardIDs)
	if s.ProducedCardIDs == nil {
		cardIDs = []byte("[]")
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE generation_sessions
		 SET status = $1, error_message = $2, retry_count = $3, ai_costs = $4, produced_card_ids = $5, completed_at = $6
		 WHERE id = $7 AND status = $8`,
		s.Status, s.ErrorMessage, s.RetryCount, costs, cardIDs, s.CompletedAt, s.ID, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM generation_sessions WHERE id = $1)", s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *SessionRepo) CountSessionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM generation_sessions WHERE user_id = $1 AND created_at >= $2",
		userID, since,
	).Scan(&count)
	return count, err
}

func (r *SessionRepo) ListStaleSessions(ctx context.Context, statuses []models.SessionStatus, createdBefore time.Time) ([]*models.GenerationSession, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	rows, err := r.pool.Query(ctx,
		"SELECT "+sessionColumns+" FROM generation_sessions WHERE status = ANY($1) AND created_at < $2 ORDER BY created_at ASC",
		raw, createdBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.GenerationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*models.GenerationSession, error) {
	s := &models.GenerationSession{}
	var params, costs, cardIDs []byte

	err := row.Scan(
		&s.ID, &s.UserID, &s.InputPrompt, &s.CardType, &params, &s.Status, &s.ErrorMessage,
		&s.RetryCount, &costs, &cardIDs, &s.CreatedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &s.GenerationParams); err != nil {
		return nil, fmt.Errorf("corrupt generation params for session %s: %w", s.ID, err)
	}
	if len(costs) > 0 {
		s.AICosts = &models.AICosts{}
		if err := json.Unmarshal(costs, s.AICosts); err != nil {
			return nil, fmt.Errorf("corrupt ai costs for session %s: %w", s.ID, err)
		}
	}
	s.ProducedCardIDs = []uuid.UUID{}
	if len(cardIDs) > 0 {
		if err := json.Unmarshal(cardIDs, &s.ProducedCardIDs); err != nil {
			return nil, fmt.Errorf("corrupt card ids for session %s: %w", s.ID, err)
		}
	}
	return s, nil
}
