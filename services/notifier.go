package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published for the notification layer.
const (
	EventPlacementCommitted = "placement.committed"
	EventClaimCreated       = "claim.created"
	EventClaimEligible      = "claim.eligible"
	EventClaimClaimed       = "claim.claimed"
	EventClaimExpired       = "claim.expired"
	EventClaimRolledUp      = "claim.rolled_up"
)

// Notification is the envelope published on every channel.
type Notification struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Notifier publishes best-effort notifications; failures never fail the caller.
type Notifier interface {
	Publish(ctx context.Context, channel, eventType string, payload any)
}

// MatrixChannel carries placement events of one root's matrix.
func MatrixChannel(root string) string { return "matrix:" + root }

// RewardsChannel carries claim events of one wallet.
func RewardsChannel(wallet string) string { return "rewards:" + wallet }

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, string, any) {}

// RedisNotifier publishes on redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger.Named("notifier")}
}

func (n *RedisNotifier) Publish(ctx context.Context, channel, eventType string, payload any) {
	data, err := json.Marshal(Notification{Type: eventType, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		n.logger.Warn("failed to marshal notification", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		n.logger.Warn("failed to publish notification",
			zap.String("channel", channel),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
