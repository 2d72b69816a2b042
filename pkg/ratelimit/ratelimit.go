package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many inbound messages one conversation may send per minute.
// It wraps github.com/vnmchuo/ratelimiter so the window is shared across instances.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(conversationKey string) string {
	return fmt.Sprintf("ratelimit:conversation:%s", conversationKey)
}

// Allow consumes one message from the conversation's window.
func (l *Limiter) Allow(ctx context.Context, conversationKey string) (bool, error) {
	res, err := l.store.Allow(ctx, key(conversationKey))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
