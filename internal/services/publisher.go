package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

// StatusPublisher pushes session progress to a user's live connections.
// Delivery is best-effort; polling stays authoritative.
type StatusPublisher interface {
	Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage)
}

func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user_updates:%s", userID.String())
}

type RedisPublisher struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRedisPublisher(redisClient *redis.Client, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{redis: redisClient, log: log}
}

// Publish sends a WebSocket update via Redis pub/sub
func (p *RedisPublisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, UserChannel(userID), string(data)).Err(); err != nil {
		p.log.Debug("Status publish failed", "type", msg.Type, "error", err)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, uuid.UUID, models.WSMessage) {}
