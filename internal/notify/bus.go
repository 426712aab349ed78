package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// Bus carries progress events across worker instances over a Redis pub/sub
// channel and forwards inbound events into the local hub.
type Bus struct {
	rdb     *goredis.Client
	channel string
	hub     *Hub
}

// NewBus connects to Redis using REDIS_ADDR and REDIS_CHANNEL. A nil hub is
// allowed for publish-only workers.
func NewBus(ctx context.Context, hub *Hub) (*Bus, error) {
	addr := gcp.GetEnv("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR environment variable must be set")
	}
	channel := gcp.GetEnv("REDIS_CHANNEL", "workflow-progress")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Bus{rdb: rdb, channel: channel, hub: hub}, nil
}

// Publish sends one event to the bus. Failures are logged and swallowed;
// progress delivery is best effort.
func (b *Bus) Publish(ctx context.Context, event models.ProgressEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to encode progress event.", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		slog.Warn("Failed to publish progress event.", "workflowId", event.WorkflowID, "error", err)
	}
}

// StartForwarder subscribes to the bus and forwards inbound events into the
// local hub until the context is cancelled.
func (b *Bus) StartForwarder(ctx context.Context) error {
	if b.hub == nil {
		return fmt.Errorf("forwarder requires a hub")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var event models.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					slog.Warn("Bad progress event payload.", "error", err)
					continue
				}
				b.hub.Broadcast(event)
			}
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
