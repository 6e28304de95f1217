package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/claim_due_jobs.lua
var claimDueJobsScript string

//go:embed scripts/ack_job.lua
var ackJobScript string

const (
	jobScheduleKey = "jobs:schedule"
	jobPayloadKey  = "jobs:payload"
)

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	claimScript   *redis.Script
	ackScript     *redis.Script
}

// ClaimedJob is a job payload leased from the schedule
type ClaimedJob struct {
	Key     string
	Payload string
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		claimScript:   redis.NewScript(claimDueJobsScript),
		ackScript:     redis.NewScript(ackJobScript),
	}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock sets the lock key to token if nobody holds it
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock deletes the lock only when it is still owned by token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock script failed: %w", err)
	}
	return result == 1, nil
}

// ScheduleJob stores payload under key and makes it due at runAt. An
// existing job with the same key is replaced.
func (c *Client) ScheduleJob(ctx context.Context, key, payload string, runAt time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobPayloadKey, key, payload)
	pipe.ZAdd(ctx, jobScheduleKey, &redis.Z{Score: float64(runAt.UnixMilli()), Member: key})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", key, err)
	}
	return nil
}

// CancelJob removes a pending job
func (c *Client) CancelJob(ctx context.Context, key string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, jobScheduleKey, key)
	pipe.HDel(ctx, jobPayloadKey, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", key, err)
	}
	return nil
}

// JobScheduled reports whether a job with key is pending
func (c *Client) JobScheduled(ctx context.Context, key string) (bool, error) {
	return c.rdb.HExists(ctx, jobPayloadKey, key).Result()
}

// ClaimDueJobs leases up to limit jobs due at now. Leased jobs become due
// again after lease unless acknowledged.
func (c *Client) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]ClaimedJob, error) {
	result, err := c.claimScript.Run(ctx, c.rdb,
		[]string{jobScheduleKey, jobPayloadKey},
		now.UnixMilli(), limit, lease.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs script failed: %w", err)
	}

	jobs := make([]ClaimedJob, 0, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		jobs = append(jobs, ClaimedJob{Key: result[i], Payload: result[i+1]})
	}
	return jobs, nil
}

// AckJob removes a claimed job unless it was rescheduled in the meantime
func (c *Client) AckJob(ctx context.Context, job ClaimedJob) error {
	_, err := c.ackScript.Run(ctx, c.rdb, []string{jobScheduleKey, jobPayloadKey}, job.Key, job.Payload).Result()
	if err != nil {
		return fmt.Errorf("ack job script failed: %w", err)
	}
	return nil
}

// GetPublicKey returns the cached processor public key for a gateway
func (c *Client) GetPublicKey(ctx context.Context, gatewayID string) (string, bool, error) {
	return c.getString(ctx, fmt.Sprintf("chip:public_key:%s", gatewayID))
}

// SetPublicKey caches the processor public key for a gateway
func (c *Client) SetPublicKey(ctx context.Context, gatewayID, pem string) error {
	return c.rdb.Set(ctx, fmt.Sprintf("chip:public_key:%s", gatewayID), pem, 0).Err()
}

// DeletePublicKey drops the cached public key
func (c *Client) DeletePublicKey(ctx context.Context, gatewayID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("chip:public_key:%s", gatewayID)).Err()
}

// GetPaymentMethods returns the cached payment method list as JSON
func (c *Client) GetPaymentMethods(ctx context.Context, gatewayID, currency string) (string, bool, error) {
	return c.getString(ctx, paymentMethodsKey(gatewayID, currency))
}

// SetPaymentMethods caches the payment method list
func (c *Client) SetPaymentMethods(ctx context.Context, gatewayID, currency, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, paymentMethodsKey(gatewayID, currency), value, ttl).Err()
}

func paymentMethodsKey(gatewayID, currency string) string {
	return fmt.Sprintf("chip:payment_methods:%s:%s", gatewayID, currency)
}

// GetCursor returns a stored batch cursor, zero when unset
func (c *Client) GetCursor(ctx context.Context, name string) (int64, error) {
	val, ok, err := c.getString(ctx, fmt.Sprintf("cursor:%s", name))
	if err != nil || !ok {
		return 0, err
	}
	cursor, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %s: %w", name, err)
	}
	return cursor, nil
}

// SetCursor stores a batch cursor
func (c *Client) SetCursor(ctx context.Context, name string, cursor int64) error {
	return c.rdb.Set(ctx, fmt.Sprintf("cursor:%s", name), cursor, 0).Err()
}

// DeleteCursor clears a batch cursor once the batch run finishes
func (c *Client) DeleteCursor(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("cursor:%s", name)).Err()
}

// SetIdempotencyKey stores an idempotency key with TTL, returning false
// when the key already exists
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Result()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// DeleteIdempotencyKey forgets a key so the request can be retried
func (c *Client) DeleteIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

func (c *Client) getString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
