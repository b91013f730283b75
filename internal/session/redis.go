package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash layout per session key:
//
//	attempts, executions, inflight, exec:<tool>, inflight:<tool>

// KEYS[1] = session key
// ARGV[1] = max attempts (0 = unlimited)
// ARGV[2] = ttl seconds
var redisAttemptScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local state = redis.call("HGETALL", key)
local attempts = tonumber(redis.call("HGET", key, "attempts") or "0")
redis.call("EXPIRE", key, ARGV[2])
if max > 0 and attempts >= max then
    return {0, state}
end
redis.call("HINCRBY", key, "attempts", 1)
redis.call("EXPIRE", key, ARGV[2])
return {1, state}
`)

// KEYS[1] = session key
// ARGV[1] = tool
// ARGV[2] = max tool calls (0 = unlimited)
// ARGV[3] = max calls for this tool (0 = unlimited)
// ARGV[4] = ttl seconds
var redisReserveScript = redis.NewScript(`
local key = KEYS[1]
local tool = ARGV[1]
local max_calls = tonumber(ARGV[2])
local max_tool = tonumber(ARGV[3])
local state = redis.call("HGETALL", key)
local execs = tonumber(redis.call("HGET", key, "executions") or "0")
local inflight = tonumber(redis.call("HGET", key, "inflight") or "0")
local texecs = tonumber(redis.call("HGET", key, "exec:" .. tool) or "0")
local tinflight = tonumber(redis.call("HGET", key, "inflight:" .. tool) or "0")
if max_calls > 0 and execs + inflight >= max_calls then
    return {0, state}
end
if max_tool > 0 and texecs + tinflight >= max_tool then
    return {0, state}
end
redis.call("HINCRBY", key, "inflight", 1)
redis.call("HINCRBY", key, "inflight:" .. tool, 1)
redis.call("EXPIRE", key, ARGV[4])
return {1, state}
`)

// KEYS[1] = session key
// ARGV[1] = tool
// ARGV[2] = 1 to count an execution, 0 to only release
// ARGV[3] = ttl seconds
var redisSettleScript = redis.NewScript(`
local key = KEYS[1]
local tool = ARGV[1]
for _, field in ipairs({"inflight", "inflight:" .. tool}) do
    local n = tonumber(redis.call("HGET", key, field) or "0")
    if n > 1 then
        redis.call("HINCRBY", key, field, -1)
    else
        redis.call("HDEL", key, field)
    end
end
if ARGV[2] == "1" then
    redis.call("HINCRBY", key, "executions", 1)
    redis.call("HINCRBY", key, "exec:" .. tool, 1)
end
redis.call("EXPIRE", key, ARGV[3])
return 1
`)

// RedisConfig configures RedisBackend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces session keys. Default: "callwarden:session:".
	Prefix string
	// TTL expires idle sessions. Default: 24h.
	TTL time.Duration
}

// RedisBackend shares counters between processes through Redis. Each
// operation is one Lua script, so check-and-increment is atomic across
// every process using the same server.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend connects to the server described by cfg.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	return NewRedisBackendWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix, cfg.TTL)
}

// NewRedisBackendWithClient uses an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "callwarden:session:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBackend) ttlSeconds() int64 {
	return int64(r.ttl / time.Second)
}

func (r *RedisBackend) Attempt(ctx context.Context, sessionID string, max int) (Result, error) {
	res, err := redisAttemptScript.Run(ctx, r.client, []string{r.key(sessionID)}, max, r.ttlSeconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("session: redis attempt: %w", err)
	}
	_, snap, err := parseScriptResult(res)
	if err != nil {
		return Result{}, err
	}
	return CheckAttempts(snap, max), nil
}

func (r *RedisBackend) Reserve(ctx context.Context, sessionID, tool string, limits Limits) (Result, error) {
	res, err := redisReserveScript.Run(ctx, r.client, []string{r.key(sessionID)},
		tool, limits.MaxToolCalls, limits.MaxCallsPerTool[tool], r.ttlSeconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("session: redis reserve: %w", err)
	}
	allowed, snap, err := parseScriptResult(res)
	if err != nil {
		return Result{}, err
	}
	out := CheckExecutions(snap, tool, limits)
	if out.Allowed != allowed {
		return Result{}, fmt.Errorf("session: redis reserve: script and local check disagree for %s", sessionID)
	}
	return out, nil
}

func (r *RedisBackend) Commit(ctx context.Context, sessionID, tool string) error {
	if err := redisSettleScript.Run(ctx, r.client, []string{r.key(sessionID)}, tool, "1", r.ttlSeconds()).Err(); err != nil {
		return fmt.Errorf("session: redis commit: %w", err)
	}
	return nil
}

func (r *RedisBackend) Release(ctx context.Context, sessionID, tool string) error {
	if err := redisSettleScript.Run(ctx, r.client, []string{r.key(sessionID)}, tool, "0", r.ttlSeconds()).Err(); err != nil {
		return fmt.Errorf("session: redis release: %w", err)
	}
	return nil
}

func (r *RedisBackend) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: redis snapshot: %w", err)
	}
	return snapshotFromHash(fields)
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func parseScriptResult(res any) (bool, Snapshot, error) {
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return false, Snapshot{}, fmt.Errorf("session: invalid response from lua script")
	}
	allowed, _ := parts[0].(int64)
	flat, _ := parts[1].([]any)
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	snap, err := snapshotFromHash(fields)
	return allowed == 1, snap, err
}

func snapshotFromHash(fields map[string]string) (Snapshot, error) {
	var snap Snapshot
	for k, v := range fields {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Snapshot{}, fmt.Errorf("session: field %s: %w", k, err)
		}
		switch {
		case k == "attempts":
			snap.Attempts = n
		case k == "executions":
			snap.Executions = n
		case k == "inflight":
			snap.InFlight = n
		case strings.HasPrefix(k, "exec:"):
			if snap.ToolExecutions == nil {
				snap.ToolExecutions = make(map[string]int)
			}
			snap.ToolExecutions[strings.TrimPrefix(k, "exec:")] = n
		case strings.HasPrefix(k, "inflight:"):
			if snap.ToolInFlight == nil {
				snap.ToolInFlight = make(map[string]int)
			}
			snap.ToolInFlight[strings.TrimPrefix(k, "inflight:")] = n
		}
	}
	return snap, nil
}
