package redisstore

import (
	"context"
	"fmt"
)

// rateLimitWindowSeconds is the fixed dispatch-counting window.
const rateLimitWindowSeconds = 60

// IncrDispatchCount atomically increments the caller's window counter,
// arming the 60s TTL on the first increment. Returns the count after the
// increment; the caller compares it against the configured limit. Two
// dispatches racing on the counter serialize here.
func (s *Store) IncrDispatchCount(ctx context.Context, callerID string) (int64, error) {
	n, err := s.rateLimit.Run(ctx, s.rdb, []string{keyRateLimit + callerID}, rateLimitWindowSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=redisstore.IncrDispatchCount: %w", err)
	}
	return n, nil
}
