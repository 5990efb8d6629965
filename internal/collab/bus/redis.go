package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
	"github.com/amoylab/collab/pkg/utils"
)

// RedisBus implements Bus using Redis pub/sub. Distributed actions go through
// the topic and come back to every subscribed node, including the publisher.
type RedisBus struct {
	logger *zap.Logger
	client redis.UniversalClient
	topic  string
	role   config.BusRole
	nodeID string
	local  *LocalBus
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a Redis-based bus
func NewRedisBus(logger *zap.Logger, cfg config.BusRedisConfig, role config.BusRole, nodeID string) (*RedisBus, error) {
	addrs := utils.SplitList(cfg.Addr, ";", ",")
	redisOptions := &redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		redisOptions.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		redisOptions.DB = cfg.DB
	}
	client := redis.NewUniversalClient(redisOptions)

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBus{
		logger: logger.Named("collab.bus.redis"),
		client: client,
		topic:  cfg.Topic,
		role:   role,
		nodeID: nodeID,
		local:  NewLocalBus(logger, config.RoleBoth, nodeID),
	}, nil
}

// Publish implements Bus.Publish
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	if !b.CanSend() {
		return cnst.ErrNotSender
	}
	if event.Origin == "" {
		event.Origin = b.nodeID
	}
	if !event.Action.Distributed() {
		return b.local.deliver(ctx, event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal bus event: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish bus event: %w", err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	if !b.CanReceive() {
		return nil, cnst.ErrNotReceiver
	}

	pubsub := b.client.Subscribe(ctx, b.topic)
	// wait for the confirmation so nothing published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	local, err := b.local.Subscribe(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := make(chan *Event, localQueueSize)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		remote := pubsub.Channel()
		for remote != nil || local != nil {
			var event *Event
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-remote:
				if !ok {
					remote = nil
					continue
				}
				event = new(Event)
				if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
					b.logger.Error("failed to unmarshal bus event",
						zap.Error(err),
						zap.String("payload", msg.Payload))
					continue
				}
			case e, ok := <-local:
				if !ok {
					local = nil
					continue
				}
				event = e
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CanReceive implements Bus.CanReceive
func (b *RedisBus) CanReceive() bool {
	return b.role == config.RoleReceiver || b.role == config.RoleBoth
}

// CanSend implements Bus.CanSend
func (b *RedisBus) CanSend() bool {
	return b.role == config.RoleSender || b.role == config.RoleBoth
}

// Close implements Bus.Close
func (b *RedisBus) Close() error {
	_ = b.local.Close()
	return b.client.Close()
}
