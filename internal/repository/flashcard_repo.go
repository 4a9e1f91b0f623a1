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

type FlashcardRepo struct {
	pool *pgxpool.Pool
}

func NewFlashcardRepo(pool *pgxpool.Pool) *FlashcardRepo {
	return &FlashcardRepo{pool: pool}
}

const cardColumns = `id, user_id, session_id, title, card_type, content, status, generation_params, created_at, updated_at`

func (r *FlashcardRepo) CreateCard(ctx context.Context, c *models.FlashCard) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	contentBytes, err := json.Marshal(c.Content)
	if err != nil {
		return fmt.Errorf("failed to encode card content: %w", err)
	}
	paramsBytes, _ := json.Marshal(c.GenerationParams)

	query := `INSERT INTO flash_cards (id, user_id, session_id, title, card_type, content, status, generation_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		c.ID, c.UserID, c.SessionID, c.Title, c.CardType, contentBytes, c.Status, paramsBytes,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *FlashcardRepo) GetCard(ctx context.Context, id uuid.UUID) (*models.FlashCard, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+cardColumns+" FROM flash_cards WHERE id = $1", id)
	c, err := scanCard(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

// GetCardBySession returns the most recently created card of a session.
func (r *FlashcardRepo) GetCardBySession(ctx context.Context, sessionID uuid.UUID) (*models.FlashCard, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+cardColumns+" FROM flash_cards WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1",
		sessionID,
	)
	c, err := scanCard(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

func (r *FlashcardRepo) ListCards(ctx context.Context, ids []uuid.UUID) ([]*models.FlashCard, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	rows, err := r.pool.Query(ctx, "SELECT "+cardColumns+" FROM flash_cards WHERE id = ANY($1::uuid[])", raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.FlashCard, len(ids))
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Keep the caller's order (producedCardIds order).
	cards := make([]*models.FlashCard, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			cards = append(cards, c)
		}
	}
	return cards, nil
}

// UpdateCard writes title, content and status if the stored status equals expected.
func (r *FlashcardRepo) UpdateCard(ctx context.Context, c *models.FlashCard, expected models.CardStatus) error {
	contentBytes, err := json.Marshal(c.Content)
	if err != nil {
		return fmt.Errorf("failed to encode card content: %w", err)
	}

	c.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`UPDATE flash_cards SET title = $1, content = $2, status = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		c.Title, contentBytes, c.Status, c.UpdatedAt, c.ID, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetCard(ctx, c.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func scanCard(row pgx.Row) (*models.FlashCard, error) {
	c := &models.FlashCard{}
	var content, params []byte

	err := row.Scan(
		&c.ID, &c.UserID, &c.SessionID, &c.Title, &c.CardType, &content, &c.Status, &params,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(content, &c.Content); err != nil {
		return nil, fmt.Errorf("corrupt content for card %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(params, &c.GenerationParams); err != nil {
		return nil, fmt.Errorf("corrupt generation params for card %s: %w", c.ID, err)
	}
	return c, nil
}
