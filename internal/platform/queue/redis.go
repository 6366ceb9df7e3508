package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/platform/config"
)

// claimScript returns expired in-flight tasks to the ready set, then moves
// the earliest ready task into the processing set with a visibility
// deadline.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, member in ipairs(expired) do
	redis.call('ZREM', KEYS[2], member)
	redis.call('ZADD', KEYS[1], ARGV[1], member)
end
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
redis.call('ZADD', KEYS[2], ARGV[2], items[1])
return items[1]
`)

// Redis keeps tasks in a sorted set scored by the unix millisecond they
// become visible. Claimed tasks sit in a second sorted set until acked or
// until their visibility timeout lapses.
type Redis struct {
	client            redis.UniversalClient
	key               string
	processingKey     string
	pollInterval      time.Duration
	redeliveryDelay   time.Duration
	visibilityTimeout time.Duration
}

func NewRedis(client redis.UniversalClient, cfg config.QueueConfig) *Redis {
	return &Redis{
		client:            client,
		key:               cfg.Redis.Key,
		processingKey:     cfg.Redis.Key + ":processing",
		pollInterval:      cfg.PollInterval,
		redeliveryDelay:   cfg.RedeliveryDelay,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	return r.add(ctx, newEnvelope(task, time.Now().Add(delay), 0))
}

func (r *Redis) add(ctx context.Context, e envelope) error {
	member, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(e.NotBefore), Member: member}).Err()
}

func (r *Redis) claim(ctx context.Context) (string, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, r.client, []string{r.key, r.processingKey},
		now.UnixMilli(), now.Add(r.visibilityTimeout).UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return res, err
}

func (r *Redis) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		member, err := r.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", r.key).Msg("Failed to claim task")
			member = ""
		}
		if member == "" {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.pollInterval):
			}
			continue
		}

		// acks must land even while shutting down
		ackCtx := context.WithoutCancel(ctx)

		e, err := decodeEnvelope([]byte(member))
		if err != nil {
			log.Error().Err(err).Str("queue", r.key).Msg("Dropping malformed task")
			r.client.ZRem(ackCtx, r.processingKey, member)
			continue
		}

		if herr := handler(ctx, e.delivery()); herr != nil {
			retry := newEnvelope(e.delivery().Task, time.Now().Add(r.redeliveryDelay), e.Redeliveries+1)
			if err := r.requeue(ackCtx, member, retry); err != nil {
				log.Error().Err(err).Str("webhook_id", e.WebhookID).Msg("Failed to requeue task, visibility timeout will return it")
			}
			continue
		}
		if err := r.client.ZRem(ackCtx, r.processingKey, member).Err(); err != nil {
			log.Error().Err(err).Str("webhook_id", e.WebhookID).Msg("Failed to ack task")
		}
	}
}

func (r *Redis) requeue(ctx context.Context, member string, e envelope) error {
	next, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.processingKey, member)
		p.ZAdd(ctx, r.key, redis.Z{Score: float64(e.NotBefore), Member: next})
		return nil
	})
	return err
}

// Len reports tasks waiting plus tasks in flight.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	waiting, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, err
	}
	inflight, err := r.client.ZCard(ctx, r.processingKey).Result()
	if err != nil {
		return 0, err
	}
	return waiting + inflight, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
