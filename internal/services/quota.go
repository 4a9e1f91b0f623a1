package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

type SessionCounter interface {
	CountSessionsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

type QuotaDecision struct {
	Allowed bool
	Reason  string
	Limit   int
	Used    int
}

// QuotaGate enforces the per-tier daily generation limit. Days start at
// midnight in the configured location. Lookup failures fail open.
type QuotaGate struct {
	counter SessionCounter
	plans   PlanReader
	limits  map[string]int
	loc     *time.Location
	log     *logger.Logger
	now     func() time.Time
}

func NewQuotaGate(counter SessionCounter, plans PlanReader, limits map[string]int, loc *time.Location, log *logger.Logger) *QuotaGate {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaGate{
		counter: counter,
		plans:   plans,
		limits:  limits,
		loc:     loc,
		log:     log,
		now:     time.Now,
	}
}

// StartOfDay returns midnight of t's calendar day in the gate's location.
func (q *QuotaGate) StartOfDay(t time.Time) time.Time {
	local := t.In(q.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, q.loc)
}

func (q *QuotaGate) CheckQuota(ctx context.Context, userID uuid.UUID) QuotaDecision {
	plan, err := q.plans.GetPlan(ctx, userID)
	if err != nil {
		quotaFailOpen.Inc()
		q.log.Warn("Quota plan lookup failed, allowing generation", "user_id", userID.String(), "error", err)
		return QuotaDecision{Allowed: true}
	}

	limit, ok := q.limits[plan]
	if !ok {
		limit = q.limits[models.PlanFree]
	}

	since := q.StartOfDay(q.now())
	used, err := q.counter.CountSessionsSince(ctx, userID, since)
	if err != nil {
		quotaFailOpen.Inc()
		q.log.Warn("Quota count lookup failed, allowing generation", "user_id", userID.String(), "error", err)
		return QuotaDecision{Allowed: true, Limit: limit}
	}

	if used >= limit {
		quotaRejections.Inc()
		return QuotaDecision{
			Allowed: false,
			Limit:   limit,
			Used:    used,
			Reason: fmt.Sprintf("Daily limit of %d generations reached for the %s plan. Your quota resets at midnight %s.",
				limit, plan, q.loc.String()),
		}
	}
	return QuotaDecision{Allowed: true, Limit: limit, Used: used}
}
