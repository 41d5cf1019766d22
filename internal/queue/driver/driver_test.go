package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/markwise/internal/config"
	"github.com/kiranshivaraju/markwise/internal/queue"
	"github.com/kiranshivaraju/markwise/internal/queue/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Redis(t *testing.T) {
	b, err := driver.Open(context.Background(), config.BrokerConfig{Driver: "redis", TaskTTL: time.Hour}, "redis://localhost:6379/0")
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*queue.RedisBroker)
	assert.True(t, ok)
}

func TestOpen_RedisBadURL(t *testing.T) {
	_, err := driver.Open(context.Background(), config.BrokerConfig{Driver: "redis"}, "not-a-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open redis broker")
}

func TestOpen_NatsUnreachable(t *testing.T) {
	_, err := driver.Open(context.Background(), config.BrokerConfig{Driver: "nats", NatsURL: "nats://127.0.0.1:1"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open nats broker")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := driver.Open(context.Background(), config.BrokerConfig{Driver: "kafka"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported broker driver")
}
