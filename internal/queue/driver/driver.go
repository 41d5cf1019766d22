// Package driver opens the queue.Broker selected by configuration.
package driver

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/queue/natsq"
)

// Open returns a broker for cfg.Driver. The redis driver shares the cache's
// Redis instance.
func Open(ctx context.Context, cfg config.BrokerConfig, redisURL string) (queue.Broker, error) {
	switch cfg.Driver {
	case "redis":
		b, err := queue.NewRedisBroker(redisURL, cfg.TaskTTL)
		if err != nil {
			return nil, fmt.Errorf("open redis broker: %w", err)
		}
		return b, nil
	case "nats":
		b, err := natsq.Connect(ctx, cfg.NatsURL, natsq.Options{TaskTTL: cfg.TaskTTL, AckWait: cfg.AckWait})
		if err != nil {
			return nil, fmt.Errorf("open nats broker: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %q", cfg.Driver)
	}
}
