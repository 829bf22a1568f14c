package presence

import (
	"context"
	"time"
)

// Store persists online marks. The redis implementation shares them across
// server instances; the memory implementation serves single-node deployments
// and tests.
type Store interface {
	// MarkOnline records a user as online. The mark expires after ttl
	// unless refreshed, so a crashed instance cannot leak online users.
	MarkOnline(ctx context.Context, userID string, ttl time.Duration) error

	// MarkOffline removes a user's online mark.
	MarkOffline(ctx context.Context, userID string) error

	// IsOnline reports whether a user has a live online mark.
	IsOnline(ctx context.Context, userID string) (bool, error)

	// PublishUpdate announces a presence change for multi-instance sync.
	PublishUpdate(ctx context.Context, userID string, online bool) error

	// Close releases the store connection.
	Close() error
}
