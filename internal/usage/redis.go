package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/models"
)

const redisKeyPrefix = "usage:counters:"

// Hash fields. Timestamps are unix milliseconds; the *_index fields hold the
// canonical day and month numbers so scripts compare integers only.
const (
	fSummariesToday     = "summaries_today"
	fChatToday          = "chat_queries_today"
	fLastDailyReset     = "last_daily_reset"
	fDailyIndex         = "daily_index"
	fSummariesThisMonth = "summaries_this_month"
	fChatThisMonth      = "chat_queries_this_month"
	fCostThisMonth      = "cost_this_month_micros"
	fLastMonthlyReset   = "last_monthly_reset"
	fMonthlyIndex       = "monthly_index"
	fChatThisCycle      = "chat_queries_this_cycle"
	fCycleRenewalAt     = "cycle_renewal_at"
	fCreatedAt          = "created_at"
	fUpdatedAt          = "updated_at"
	fVersion            = "version"
)

// ARGV[1] now ms, ARGV[2] day index, ARGV[3] month index
var initScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'summaries_today', '0', 'chat_queries_today', '0',
	'last_daily_reset', ARGV[1], 'daily_index', ARGV[2],
	'summaries_this_month', '0', 'chat_queries_this_month', '0', 'cost_this_month_micros', '0',
	'last_monthly_reset', ARGV[1], 'monthly_index', ARGV[3],
	'chat_queries_this_cycle', '0', 'cycle_renewal_at', '0',
	'created_at', ARGV[1], 'updated_at', ARGV[1], 'version', '0')
return 1
`)

// ARGV[1] now ms, ARGV[2] day index
var dailyResetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local current = tonumber(redis.call('HGET', KEYS[1], 'daily_index') or '0')
if tonumber(ARGV[2]) <= current then
	return 0
end
redis.call('HSET', KEYS[1],
	'summaries_today', '0', 'chat_queries_today', '0',
	'last_daily_reset', ARGV[1], 'daily_index', ARGV[2], 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// ARGV[1] now ms, ARGV[2] month index
var monthlyResetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local current = tonumber(redis.call('HGET', KEYS[1], 'monthly_index') or '0')
if tonumber(ARGV[2]) <= current then
	return 0
end
redis.call('HSET', KEYS[1],
	'summaries_this_month', '0', 'chat_queries_this_month', '0', 'cost_this_month_micros', '0',
	'last_monthly_reset', ARGV[1], 'monthly_index', ARGV[2], 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// ARGV[1] now ms, ARGV[2] seed ms, ARGV[3] next renewal ms
var cycleResetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local renewal = tonumber(redis.call('HGET', KEYS[1], 'cycle_renewal_at') or '0')
if renewal == 0 then
	redis.call('HSET', KEYS[1], 'cycle_renewal_at', ARGV[2], 'updated_at', ARGV[1])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	renewal = tonumber(ARGV[2])
end
if tonumber(ARGV[1]) < renewal then
	return 0
end
redis.call('HSET', KEYS[1],
	'chat_queries_this_cycle', '0', 'cycle_renewal_at', ARGV[3], 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// RedisStore keeps counters in one hash per account. Resets are Lua scripts
// and increments run in MULTI/EXEC, so both are atomic on the server.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func redisKey(accountID string) string {
	return redisKeyPrefix + accountID
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *RedisStore) ensure(ctx context.Context, accountID string, now time.Time) error {
	err := initScript.Run(ctx, s.client, []string{redisKey(accountID)},
		millis(now), DayIndex(now), MonthIndex(now)).Err()
	if err != nil {
		return fmt.Errorf("create usage counters: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, accountID string, now time.Time) (*models.UsageCounters, error) {
	if err := s.ensure(ctx, accountID, now); err != nil {
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, redisKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load usage counters: %w", err)
	}
	return decodeRedisCounters(accountID, fields)
}

func (s *RedisStore) ApplyDailyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	return s.runReset(ctx, "daily", accountID, dailyResetScript, millis(now), DayIndex(now))
}

func (s *RedisStore) ApplyMonthlyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	return s.runReset(ctx, "monthly", accountID, monthlyResetScript, millis(now), MonthIndex(now))
}

func (s *RedisStore) ApplyCycleResetIfDue(ctx context.Context, accountID string, now, accountCreatedAt time.Time) (bool, error) {
	anchor := accountCreatedAt
	if anchor.IsZero() {
		// the script only uses the seed while the renewal is unset
		raw, err := s.client.HGet(ctx, redisKey(accountID), fCreatedAt).Int64()
		if err != nil && err != redis.Nil {
			return false, fmt.Errorf("cycle reset: %w", err)
		}
		anchor = time.UnixMilli(raw)
	}
	return s.runReset(ctx, "cycle", accountID, cycleResetScript,
		millis(now), millis(CycleSeed(anchor)), millis(now.Add(CycleLength)))
}

func (s *RedisStore) runReset(ctx context.Context, cycle, accountID string, script *redis.Script, args ...interface{}) (bool, error) {
	n, err := script.Run(ctx, s.client, []string{redisKey(accountID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("%s reset: %w", cycle, err)
	}
	if n == 1 {
		s.logger.Debug("usage counters reset",
			zap.String("account_id", accountID),
			zap.String("cycle", cycle),
		)
	}
	return n == 1, nil
}

func (s *RedisStore) IncrementSummary(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	return s.increment(ctx, accountID, now, costDelta, fSummariesToday, fSummariesThisMonth)
}

func (s *RedisStore) IncrementChat(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	return s.increment(ctx, accountID, now, costDelta, fChatToday, fChatThisMonth, fChatThisCycle)
}

func (s *RedisStore) increment(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars, fields ...string) error {
	if err := s.ensure(ctx, accountID, now); err != nil {
		return err
	}

	key := redisKey(accountID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range fields {
			pipe.HIncrBy(ctx, key, f, 1)
		}
		pipe.HIncrBy(ctx, key, fCostThisMonth, int64(nonNegative(costDelta)))
		pipe.HIncrBy(ctx, key, fVersion, 1)
		pipe.HSet(ctx, key, fUpdatedAt, millis(now))
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment usage counters: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil
}

func decodeRedisCounters(accountID string, fields map[string]string) (*models.UsageCounters, error) {
	var decodeErr error
	num := func(name string) int64 {
		raw, ok := fields[name]
		if !ok || raw == "" {
			return 0
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil && decodeErr == nil {
			decodeErr = fmt.Errorf("decode %s: %w", name, err)
		}
		return v
	}
	ts := func(name string) time.Time {
		v := num(name)
		if v == 0 {
			return time.Time{}
		}
		return time.UnixMilli(v).UTC()
	}

	c := &models.UsageCounters{
		AccountID:            accountID,
		SummariesToday:       num(fSummariesToday),
		ChatQueriesToday:     num(fChatToday),
		LastDailyReset:       ts(fLastDailyReset),
		SummariesThisMonth:   num(fSummariesThisMonth),
		ChatQueriesThisMonth: num(fChatThisMonth),
		CostThisMonth:        models.Microdollars(num(fCostThisMonth)),
		LastMonthlyReset:     ts(fLastMonthlyReset),
		ChatQueriesThisCycle: num(fChatThisCycle),
		CycleRenewalAt:       ts(fCycleRenewalAt),
		CreatedAt:            ts(fCreatedAt),
		UpdatedAt:            ts(fUpdatedAt),
		Version:              num(fVersion),
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return c, nil
}
