// Package redis provides a Redis-backed Ledger for modelgate.
//
// Events live in per-user sorted sets scored by timestamp; free-tier
// budgets live in per-provider hashes with lazy monthly reset. Record
// runs as a single Lua script, so writes for the same key serialize
// inside Redis without any process-level locking, which makes the
// store safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hapivet/modelgate"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var (
	_ modelgate.Ledger              = (*Store)(nil)
	_ modelgate.FreeTierInitializer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "modelgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention bounds how long raw events are kept (default 24h).
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "modelgate:",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) eventsKey(userID string) string   { return s.keyPrefix + "events:" + userID }
func (s *Store) idemKey(eventID string) string    { return s.keyPrefix + "idem:" + eventID }
func (s *Store) providerKey(provider string) string {
	return s.keyPrefix + "provider:" + provider
}
func (s *Store) userMonthKey(userID, cycle string) string {
	return s.keyPrefix + "umonth:" + userID + ":" + cycle
}

func cycleOf(t time.Time) string { return t.UTC().Format("2006-01") }

// recordScript appends one event atomically.
// KEYS[1] = idempotency key (event ID)
// KEYS[2] = per-user events zset
// KEYS[3] = per-provider budget hash
// KEYS[4] = per-user month hash
// ARGV[1] = event JSON
// ARGV[2] = event unix seconds
// ARGV[3] = tokens
// ARGV[4] = cost
// ARGV[5] = retention seconds
// ARGV[6] = billing cycle ("2006-01")
// ARGV[7] = provider
// ARGV[8] = event ID; empty skips the idempotency check, matching the
//           in-memory ledger
//
// Returns 1 on success, 0 on duplicate event ID.
var recordScript = goredis.NewScript(`
if ARGV[8] ~= "" then
    if redis.call("SET", KEYS[1], "1", "NX", "EX", ARGV[5]) == false then
        return 0
    end
end

local ts = tonumber(ARGV[2])
redis.call("ZADD", KEYS[2], ts, ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ts - tonumber(ARGV[5]))
redis.call("EXPIRE", KEYS[2], ARGV[5])

-- Lazy monthly reset of the provider budget.
local cycle = redis.call("HGET", KEYS[3], "cycle")
if cycle ~= ARGV[6] then
    local allowance = redis.call("HGET", KEYS[3], "allowance") or "0"
    redis.call("HSET", KEYS[3], "cycle", ARGV[6], "allowance", allowance,
        "tokens", "0", "requests", "0", "cost", "0")
end
redis.call("HINCRBY", KEYS[3], "tokens", ARGV[3])
redis.call("HINCRBY", KEYS[3], "requests", 1)
redis.call("HINCRBYFLOAT", KEYS[3], "cost", ARGV[4])

redis.call("HINCRBY", KEYS[4], ARGV[7] .. ":tokens", ARGV[3])
redis.call("HINCRBY", KEYS[4], ARGV[7] .. ":requests", 1)
redis.call("HINCRBYFLOAT", KEYS[4], ARGV[7] .. ":cost", ARGV[4])
redis.call("EXPIRE", KEYS[4], 3456000)

return 1
`)

// Record appends the event atomically. Idempotent by event ID.
func (s *Store) Record(ctx context.Context, e modelgate.UsageEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("modelgate/redis: marshal event: %w", err)
	}

	result, err := recordScript.Run(ctx, s.client,
		[]string{
			s.idemKey(e.ID),
			s.eventsKey(e.UserID),
			s.providerKey(e.Provider),
			s.userMonthKey(e.UserID, cycleOf(e.Timestamp)),
		},
		payload, e.Timestamp.Unix(), e.TokensUsed, e.Cost,
		int64(s.retention.Seconds()), cycleOf(e.Timestamp), e.Provider, e.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis record: %v", modelgate.ErrStoreUnavailable, err)
	}
	if result == 0 {
		return modelgate.ErrDuplicateEvent
	}
	return nil
}

// Usage returns the aggregate for (userID, provider, window). Hour and
// day windows scan the event zset; month reads the incremental
// per-user hash so it survives event retention.
func (s *Store) Usage(ctx context.Context, userID, provider string, w modelgate.Window) (modelgate.WindowAggregate, error) {
	now := time.Now().UTC()

	if w == modelgate.WindowMonth {
		return s.monthUsage(ctx, userID, provider, now)
	}

	events, err := s.Events(ctx, userID, w.Start(now))
	if err != nil {
		return modelgate.WindowAggregate{}, err
	}

	var agg modelgate.WindowAggregate
	for _, e := range events {
		if provider != "*" && e.Provider != provider {
			continue
		}
		agg.Tokens += e.TokensUsed
		agg.Requests++
		agg.Cost += e.Cost
	}
	return agg, nil
}

func (s *Store) monthUsage(ctx context.Context, userID, provider string, now time.Time) (modelgate.WindowAggregate, error) {
	fields, err := s.client.HGetAll(ctx, s.userMonthKey(userID, cycleOf(now))).Result()
	if err != nil {
		return modelgate.WindowAggregate{}, fmt.Errorf("%w: redis month usage: %v", modelgate.ErrStoreUnavailable, err)
	}

	var agg modelgate.WindowAggregate
	for field, val := range fields {
		prov, metric, ok := splitField(field)
		if !ok {
			continue
		}
		if provider != "*" && prov != provider {
			continue
		}
		switch metric {
		case "tokens":
			n, _ := strconv.ParseInt(val, 10, 64)
			agg.Tokens += n
		case "requests":
			n, _ := strconv.ParseInt(val, 10, 64)
			agg.Requests += n
		case "cost":
			f, _ := strconv.ParseFloat(val, 64)
			agg.Cost += f
		}
	}
	return agg, nil
}

func splitField(field string) (provider, metric string, ok bool) {
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == ':' {
			return field[:i], field[i+1:], true
		}
	}
	return "", "", false
}

// RemainingFreeTier returns the provider's free-tier tokens left this
// cycle. Negative on overshoot. A stale (pre-reset) cycle reads as a
// fresh allowance.
func (s *Store) RemainingFreeTier(ctx context.Context, provider string) (int64, error) {
	pu, err := s.ProviderUsage(ctx, provider)
	if err != nil {
		return 0, err
	}
	return pu.Remaining(), nil
}

// ProviderUsage returns the month-to-date snapshot for a provider.
func (s *Store) ProviderUsage(ctx context.Context, provider string) (modelgate.ProviderUsage, error) {
	vals, err := s.client.HMGet(ctx, s.providerKey(provider),
		"allowance", "tokens", "requests", "cost", "cycle").Result()
	if err != nil {
		return modelgate.ProviderUsage{}, fmt.Errorf("%w: redis provider usage: %v", modelgate.ErrStoreUnavailable, err)
	}

	pu := modelgate.ProviderUsage{Provider: provider}
	str := func(v interface{}) string {
		if v == nil {
			return ""
		}
		return v.(string)
	}
	pu.Allowance, _ = strconv.ParseInt(str(vals[0]), 10, 64)

	// Lazy cycle check, read-only: a hash from a previous month counts
	// as zero consumption.
	if str(vals[4]) == cycleOf(time.Now()) {
		pu.TokensUsed, _ = strconv.ParseInt(str(vals[1]), 10, 64)
		pu.Requests, _ = strconv.ParseInt(str(vals[2]), 10, 64)
		pu.Cost, _ = strconv.ParseFloat(str(vals[3]), 64)
	}

	if pu.Allowance > 0 {
		pu.PercentUsed = float64(pu.TokensUsed) / float64(pu.Allowance) * 100
	} else if pu.TokensUsed > 0 {
		pu.PercentUsed = 100
	}
	return pu, nil
}

// Events returns the user's events with Timestamp >= since, oldest first.
func (s *Store) Events(ctx context.Context, userID string, since time.Time) ([]modelgate.UsageEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, s.eventsKey(userID), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UTC().Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis events: %v", modelgate.ErrStoreUnavailable, err)
	}

	events := make([]modelgate.UsageEvent, 0, len(members))
	for _, m := range members {
		var e modelgate.UsageEvent
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // skip malformed entries
		}
		events = append(events, e)
	}
	return events, nil
}

// SetFreeTier configures the monthly token allowance for a provider,
// preserving current consumption.
func (s *Store) SetFreeTier(provider string, monthlyTokens int64) {
	ctx := context.Background()
	key := s.providerKey(provider)

	exists, _ := s.client.Exists(ctx, key).Result()
	if exists == 0 {
		s.client.HSet(ctx, key,
			"allowance", monthlyTokens,
			"tokens", 0,
			"requests", 0,
			"cost", "0",
			"cycle", cycleOf(time.Now()),
		)
		return
	}
	s.client.HSet(ctx, key, "allowance", monthlyTokens)
}
