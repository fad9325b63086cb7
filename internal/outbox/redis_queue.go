package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "softerview:outbox:"
	redisOperationTimeout = 5 * time.Second
)

// pushIfRoom keeps the capacity check and the push in one round trip.
var pushIfRoom = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`)

type redisQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

func NewRedisQueue(dsn, queueKey string, capacity int) (Queue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return newRedisQueue(redis.NewClient(opts), queueKey, capacity), nil
}

func newRedisQueue(client *redis.Client, queueKey string, capacity int) *redisQueue {
	if strings.TrimSpace(queueKey) == "" {
		queueKey = defaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &redisQueue{client: client, key: redisKeyPrefix + queueKey, capacity: capacity}
}

func (q *redisQueue) TryEnqueue(frame string) bool {
	if strings.TrimSpace(frame) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	pushed, err := pushIfRoom.Run(ctx, q.client, []string{q.key}, frame, q.capacity).Int()
	return err == nil && pushed == 1
}

func (q *redisQueue) Peek() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	frame, err := q.client.LIndex(ctx, q.key, 0).Result()
	if err != nil {
		return "", false
	}
	return frame, true
}

func (q *redisQueue) Ack() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	_, err := q.client.LPop(ctx, q.key).Result()
	return err == nil
}

func (q *redisQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (q *redisQueue) Capacity() int {
	return q.capacity
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
