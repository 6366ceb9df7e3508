package queue

import (
	"context"
	"fmt"

	"hookrelay/internal/platform/config"
)

func New(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.RedeliveryDelay), nil
	case "redis":
		client, err := DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg), nil
	case "nats":
		return NewJetStream(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
