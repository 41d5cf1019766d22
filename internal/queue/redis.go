package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	queue:{name}           LIST of ready messages (LPUSH / BRPOP)
//	queue:{name}:delayed   ZSET of delayed messages scored by ready time (unix ms)
//	task:{id}              task state, expires after the task TTL
//	task:{id}:revoked      "hard" or "soft" while a cancellation is pending
func readyKey(queue string) string { return "queue:" + queue }
func delayedKey(queue string) string { return "queue:" + queue + ":delayed" }
func taskKey(taskID string) string { return "task:" + taskID }
func revokedKey(taskID string) string { return "task:" + taskID + ":revoked" }

// promoteScript moves due delayed messages onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// cancelScript records the revocation and marks a non-terminal task revoked.
var cancelScript = redis.NewScript(`
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
local s = redis.call('GET', KEYS[1])
if s and s ~= 'success' and s ~= 'failure' and s ~= 'revoked' then
  redis.call('SET', KEYS[1], 'revoked', 'PX', ARGV[2])
end
return s
`)

const promoteBatch = 100

// RedisBroker implements Broker on go-redis/v9.
type RedisBroker struct {
	client  *redis.Client
	taskTTL time.Duration
	now     func() time.Time
}

// NewRedisBroker creates a broker from a Redis URL.
func NewRedisBroker(redisURL string, taskTTL time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedisBrokerWithClient(redis.NewClient(opts), taskTTL), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, taskTTL time.Duration) *RedisBroker {
	if taskTTL <= 0 {
		taskTTL = 24 * time.Hour
	}
	return &RedisBroker{client: client, taskTTL: taskTTL, now: time.Now}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, taskKey(msg.TaskID), string(TaskPending), b.taskTTL)
	if delay > 0 {
		readyAt := b.now().Add(delay).UnixMilli()
		pipe.ZAdd(ctx, delayedKey(msg.Queue), redis.Z{Score: float64(readyAt), Member: payload})
	} else {
		pipe.LPush(ctx, readyKey(msg.Queue), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s on %s: %w", msg.TaskID, msg.Queue, err)
	}
	return nil
}

func (b *RedisBroker) TaskStatus(ctx context.Context, taskID string) (TaskState, error) {
	val, err := b.client.Get(ctx, taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return TaskUnknown, nil
	}
	if err != nil {
		return TaskUnknown, fmt.Errorf("get task state: %w", err)
	}
	return TaskState(val), nil
}

func (b *RedisBroker) RequestCancel(ctx context.Context, taskID string, hard bool) error {
	mode := "soft"
	if hard {
		mode = "hard"
	}
	err := cancelScript.Run(ctx, b.client, []string{taskKey(taskID), revokedKey(taskID)},
		mode, b.taskTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}
	return nil
}

func (b *RedisBroker) Revoked(ctx context.Context, taskID string) (Revocation, error) {
	val, err := b.client.Get(ctx, revokedKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return Revocation{}, nil
	}
	if err != nil {
		return Revocation{}, fmt.Errorf("get revocation: %w", err)
	}
	return Revocation{Revoked: true, Hard: val == "hard"}, nil
}

func (b *RedisBroker) SetTaskState(ctx context.Context, taskID string, state TaskState) error {
	if err := b.client.Set(ctx, taskKey(taskID), string(state), b.taskTTL).Err(); err != nil {
		return fmt.Errorf("set task state: %w", err)
	}
	return nil
}

// Receive promotes due delayed messages, then blocks on the ready lists.
// Messages are removed on receipt; the runner acknowledges implicitly.
func (b *RedisBroker) Receive(ctx context.Context, queues []string, wait time.Duration) (*Delivery, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("receive: no queues")
	}
	if err := b.promote(ctx, queues); err != nil {
		return nil, err
	}

	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = readyKey(q)
	}
	if wait < time.Second {
		wait = time.Second
	}

	res, err := b.client.BRPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	// res is [key, payload].
	msg, err := DecodeMessage([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	return NewDelivery(msg, nil), nil
}

func (b *RedisBroker) promote(ctx context.Context, queues []string) error {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	for _, q := range queues {
		err := promoteScript.Run(ctx, b.client, []string{delayedKey(q), readyKey(q)}, now, promoteBatch).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("promote delayed on %s: %w", q, err)
		}
	}
	return nil
}

// Compile-time check that RedisBroker implements Broker.
var _ Broker = (*RedisBroker)(nil)
