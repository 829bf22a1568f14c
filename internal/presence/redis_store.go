package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amora-app/messaging/internal/config"
)

// redisStore implements Store on Redis for multi-instance deployments.
type redisStore struct {
	client        *redis.Client
	pubSubChannel string
	instanceID    string
}

// Redis key patterns:
// presence:user:{user_id}   STRING "1" with TTL  - online mark
func userOnlineKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// updatePayload is the pub/sub message announcing a presence change.
type updatePayload struct {
	UserID           string `json:"user_id"`
	Online           bool   `json:"online"`
	OriginInstanceID string `json:"origin_instance_id,omitempty"`
}

// NewRedisStore creates a Redis-backed presence store.
func NewRedisStore(cfg config.RedisConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	channel := cfg.PubSubChannel
	if channel == "" {
		channel = "presence:updates"
	}

	return &redisStore{
		client:        client,
		pubSubChannel: channel,
		instanceID:    cfg.InstanceID,
	}, nil
}

func (s *redisStore) MarkOnline(ctx context.Context, userID string, ttl time.Duration) error {
	return s.client.Set(ctx, userOnlineKey(userID), "1", ttl).Err()
}

func (s *redisStore) MarkOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, userOnlineKey(userID)).Err()
}

func (s *redisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, userOnlineKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) PublishUpdate(ctx context.Context, userID string, online bool) error {
	payload := updatePayload{UserID: userID, Online: online, OriginInstanceID: s.instanceID}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.pubSubChannel, string(data)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
