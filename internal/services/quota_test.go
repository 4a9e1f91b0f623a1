package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/repository"
)

var testLimits = map[string]int{models.PlanFree: 5, models.PlanEducator: 50, models.PlanPremium: 200}

func seedSessions(t *testing.T, store *repository.MemoryStore, userID uuid.UUID, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.CreateSession(context.Background(), &models.GenerationSession{
			UserID: userID, Status: models.SessionCompleted, CreatedAt: at,
		}))
	}
}

func TestQuotaGate_TierLimits(t *testing.T) {
	tests := []struct {
		plan    string
		used    int
		allowed bool
	}{
		{models.PlanFree, 4, true},
		{models.PlanFree, 5, false},
		{models.PlanEducator, 49, true},
		{models.PlanEducator, 50, false},
		{models.PlanPremium, 199, true},
		{"legacy", 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			store := repository.NewMemoryStore()
			userID := uuid.New()
			store.SetPlan(userID, tt.plan)
			seedSessions(t, store, userID, tt.used, testNow.Add(-time.Hour))

			gate := NewQuotaGate(store, store, testLimits, time.UTC, logger.Nop())
			gate.now = func() time.Time { return testNow }

			decision := gate.CheckQuota(context.Background(), userID)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, decision.Reason)
			}
		})
	}
}

func TestQuotaGate_DayBoundary(t *testing.T) {
	store := repository.NewMemoryStore()
	userID := uuid.New()
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	seedSessions(t, store, userID, 5, midnight.Add(-time.Second))
	seedSessions(t, store, userID, 4, midnight)

	gate := NewQuotaGate(store, store, testLimits, time.UTC, logger.Nop())
	gate.now = func() time.Time { return midnight.Add(time.Minute) }

	decision := gate.CheckQuota(context.Background(), userID)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 4, decision.Used)
}

func TestQuotaGate_ConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	store := repository.NewMemoryStore()
	userID := uuid.New()

	// 16:00 UTC on the 9th is 01:00 on the 10th in UTC+9.
	now := time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC)
	seedSessions(t, store, userID, 5, time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC))

	gate := NewQuotaGate(store, store, testLimits, loc, logger.Nop())
	gate.now = func() time.Time { return now }

	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, loc), gate.StartOfDay(now))
	assert.True(t, gate.CheckQuota(context.Background(), userID).Allowed)
}

func TestQuotaGate_FailsOpen(t *testing.T) {
	store := repository.NewMemoryStore()

	gate := NewQuotaGate(failingCounter{}, store, testLimits, time.UTC, logger.Nop())
	assert.True(t, gate.CheckQuota(context.Background(), uuid.New()).Allowed)

	gate = NewQuotaGate(store, failingPlans{}, testLimits, time.UTC, logger.Nop())
	assert.True(t, gate.CheckQuota(context.Background(), uuid.New()).Allowed)
}
