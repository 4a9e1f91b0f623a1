package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
	"flashcards-backend/internal/repository"
)

const staleSessionMessage = "Generation timed out"

// Reaper fails sessions that stayed pending or processing past staleAfter,
// typically because the worker running them died.
type Reaper struct {
	sessions   SessionStore
	publisher  StatusPublisher
	staleAfter time.Duration
	log        *logger.Logger
	cron       *cron.Cron
	now        func() time.Time
}

func NewReaper(sessions SessionStore, publisher StatusPublisher, staleAfter time.Duration, log *logger.Logger) *Reaper {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Reaper{
		sessions:   sessions,
		publisher:  publisher,
		staleAfter: staleAfter,
		log:        log,
		cron:       cron.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules Sweep on a cron spec such as "@every 1m".
func (r *Reaper) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Error("Stale session sweep failed", "error", err)
		} else if n > 0 {
			r.log.Info("Stale sessions failed", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.sessions.ListStaleSessions(ctx,
		[]models.SessionStatus{models.SessionPending, models.SessionProcessing}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	failed := 0
	for _, s := range stale {
		expected := s.Status
		now := r.now()
		msg := staleSessionMessage
		s.Status = models.SessionFailed
		s.ErrorMessage = &msg
		s.CompletedAt = &now

		if err := r.sessions.UpdateSession(ctx, s, expected); err != nil {
			if !errors.Is(err, repository.ErrStatusConflict) {
				r.log.Warn("Failed to reap session", "session_id", s.ID.String(), "error", err)
			}
			continue
		}
		failed++
		sessionsFinished.WithLabelValues(string(models.SessionFailed)).Inc()
		r.publisher.Publish(ctx, s.UserID, models.WSMessage{
			Type:    "error",
			Payload: models.ErrorEvent{SessionID: s.ID, ErrorCode: "TIMEOUT", ErrorMessage: msg},
		})
	}
	return failed, nil
}
