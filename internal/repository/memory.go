package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flashcards-backend/internal/models"
)

// MemoryStore keeps sessions, cards, usage counters and preferences in process.
// It backs STORE_TYPE=memory and doubles as the store in tests. Values are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.GenerationSession
	cards    map[uuid.UUID]*models.FlashCard
	usage    map[string]int
	plans    map[uuid.UUID]string
	prefs    map[uuid.UUID]*models.UserPreferences
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*models.GenerationSession),
		cards:    make(map[uuid.UUID]*models.FlashCard),
		usage:    make(map[string]int),
		plans:    make(map[uuid.UUID]string),
		prefs:    make(map[uuid.UUID]*models.UserPreferences),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for created/updated times.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetPlan assigns a subscription tier to a user.
func (m *MemoryStore) SetPlan(userID uuid.UUID, plan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[userID] = plan
}

// Session operations

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.GenerationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.ProducedCardIDs == nil {
		s.ProducedCardIDs = []uuid.UUID{}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*models.GenerationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *models.GenerationSession, expected models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}

	next := s.Clone()
	next.UserID = current.UserID
	next.CreatedAt = current.CreatedAt
	m.sessions[s.ID] = next
	return nil
}

func (m *MemoryStore) CountSessionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.UserID == userID && !s.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListStaleSessions(ctx context.Context, statuses []models.SessionStatus, createdBefore time.Time) ([]*models.GenerationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[models.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*models.GenerationSession
	for _, s := range m.sessions {
		if wanted[s.Status] && s.CreatedAt.Before(createdBefore) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Card operations

func (m *MemoryStore) CreateCard(ctx context.Context, c *models.FlashCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := m.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.cards[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) GetCard(ctx context.Context, id uuid.UUID) (*models.FlashCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) GetCardBySession(ctx context.Context, sessionID uuid.UUID) (*models.FlashCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.FlashCard
	for _, c := range m.cards {
		if c.SessionID == nil || *c.SessionID != sessionID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

// SessionCardCount reports how many cards reference sessionID.
func (m *MemoryStore) SessionCardCount(sessionID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.cards {
		if c.SessionID != nil && *c.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) ListCards(ctx context.Context, ids []uuid.UUID) ([]*models.FlashCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cards := make([]*models.FlashCard, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.cards[id]; ok {
			cards = append(cards, c.Clone())
		}
	}
	return cards, nil
}

func (m *MemoryStore) UpdateCard(ctx context.Context, c *models.FlashCard, expected models.CardStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cards[c.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}

	c.UpdatedAt = m.now()
	next := c.Clone()
	next.CreatedAt = current.CreatedAt
	m.cards[c.ID] = next
	return nil
}

// Usage and user operations

func (m *MemoryStore) IncrementDailyUsage(ctx context.Context, userID uuid.UUID, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID.String() + ":" + day.Format("2006-01-02")
	m.usage[key]++
	return m.usage[key], nil
}

// DailyUsage reads the counter written by IncrementDailyUsage.
func (m *MemoryStore) DailyUsage(userID uuid.UUID, day time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[userID.String()+":"+day.Format("2006-01-02")]
}

func (m *MemoryStore) GetPlan(ctx context.Context, userID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if plan, ok := m.plans[userID]; ok {
		return plan, nil
	}
	return models.PlanFree, nil
}

func (m *MemoryStore) GetPreferences(ctx context.Context, userID uuid.UUID) (*models.UserPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.prefs[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return models.DefaultPreferences(userID), nil
}

func (m *MemoryStore) UpdatePreferences(ctx context.Context, p *models.UserPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.UpdatedAt = m.now()
	cp := *p
	m.prefs[p.UserID] = &cp
	return nil
}
