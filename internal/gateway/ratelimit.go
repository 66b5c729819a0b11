package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/cache"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter is a fixed one-minute window per account, kept in redis so
// every replica shares it.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	logger *zap.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cache *cache.Cache, perMinute int, logger *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{
		cache:  cache,
		limit:  int64(perMinute),
		logger: logger,
	}
}

func minuteKey(accountID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:account:%s:minute:%s", accountID, now.UTC().Format("2006-01-02T15:04"))
}

// Allow counts one request for accountID in the window containing now.
func (rl *RateLimiter) Allow(ctx context.Context, accountID string, now time.Time) (bool, *RateLimitInfo, error) {
	// 65s to cover clock skew between replicas
	count, err := rl.cache.IncrWithExpiry(ctx, minuteKey(accountID, now), 65*time.Second)
	if err != nil {
		return false, nil, err
	}

	resetAt := now.UTC().Truncate(time.Minute).Add(time.Minute)
	info := &RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.limit - count,
		ResetAt:   resetAt.Unix(),
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}

	if count > rl.limit {
		info.RetryAfter = resetAt.Unix() - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		rl.logger.Warn("account rate limit exceeded",
			zap.String("account_id", accountID),
			zap.Int64("count", count),
		)
		return false, info, nil
	}
	return true, info, nil
}

// Headers returns HTTP headers for rate limit information
func (info *RateLimitInfo) Headers() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}
