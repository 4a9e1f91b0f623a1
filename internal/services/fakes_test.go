package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flashcards-backend/internal/models"
	"flashcards-backend/internal/repository"
)

type fakeText struct {
	mu     sync.Mutex
	calls  int
	err    error
	panics bool
	tokens int
}

func (f *fakeText) GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.panics {
		panic("text generator exploded")
	}
	if f.err != nil {
		return nil, f.err
	}

	out := &GeneratedContent{Title: "Learn: " + req.Prompt, PrimaryWord: req.Prompt, TokensUsed: f.tokens}
	n := 4
	if req.CardType == models.CardTypeCategory {
		out.CategoryWords = []string{"cat", "dog", "cow"}
		n = len(out.CategoryWords)
	}
	for i := 0; i < n; i++ {
		out.Scenes = append(out.Scenes, GeneratedScene{
			Description: fmt.Sprintf("The %s in scene %d", req.Prompt, i+1),
			ImagePrompt: fmt.Sprintf("%s picture %d", req.Prompt, i+1),
		})
	}
	return out, nil
}

type fakeModerator struct {
	flagged    bool
	categories []string
	err        error
	lastInput  string
}

func (f *fakeModerator) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	f.lastInput = text
	if f.err != nil {
		return nil, f.err
	}
	return &ModerationResult{Flagged: f.flagged, Categories: f.categories}, nil
}

// fakeImages fails any prompt containing one of failOn.
type fakeImages struct {
	mu     sync.Mutex
	failOn []string
	calls  int
}

func (f *fakeImages) GenerateImage(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for _, s := range f.failOn {
		if strings.Contains(prompt, s) {
			return "", errors.New("image backend timeout")
		}
	}
	return "https://img.example.com/" + strings.ReplaceAll(prompt, " ", "-") + ".png", nil
}

type pushedJob struct {
	job   models.Job
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []pushedJob
	err  error
}

func (q *fakeQueue) Push(ctx context.Context, job *models.Job, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, pushedJob{job: *job, delay: delay})
	return nil
}

func (q *fakeQueue) pop() (*models.Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, 0, false
	}
	next := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &next.job, next.delay, true
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.WSMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.Type
	}
	return out
}

// flakyCards fails the first failUpdates card updates.
type flakyCards struct {
	*repository.MemoryStore
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyCards) UpdateCard(ctx context.Context, c *models.FlashCard, expected models.CardStatus) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateCard(ctx, c, expected)
}

// flakySessions fails the first failUpdates session writes moving to failStatus.
type flakySessions struct {
	*repository.MemoryStore
	mu          sync.Mutex
	failStatus  models.SessionStatus
	failUpdates int
}

func (f *flakySessions) UpdateSession(ctx context.Context, s *models.GenerationSession, expected models.SessionStatus) error {
	f.mu.Lock()
	if s.Status == f.failStatus && f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateSession(ctx, s, expected)
}

type failingCounter struct{}

func (failingCounter) CountSessionsSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, errors.New("store unavailable")
}

type failingPlans struct{}

func (failingPlans) GetPlan(context.Context, uuid.UUID) (string, error) {
	return "", errors.New("store unavailable")
}
