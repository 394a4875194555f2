package services

import (
	"context"
	"encoding/json"
	"fmt"

	"casino-table-engine/internal/models"
)

// Broadcaster fans effects out to whoever is watching a table.
type Broadcaster interface {
	Publish(ctx context.Context, tableID string, effects []models.Effect) error
}

// RedisBroadcaster publishes each effect as JSON on the table's channel so
// every API process can forward it to its own websocket clients.
type RedisBroadcaster struct {
	redis *RedisService
}

func NewRedisBroadcaster(redisService *RedisService) *RedisBroadcaster {
	return &RedisBroadcaster{redis: redisService}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, tableID string, effects []models.Effect) error {
	if len(effects) == 0 {
		return nil
	}
	channel := fmt.Sprintf(ChannelTableEvents, tableID)

	pipe := b.redis.Client().Pipeline()
	for _, eff := range effects {
		data, err := json.Marshal(eff)
		if err != nil {
			return fmt.Errorf("failed to marshal effect: %v", err)
		}
		pipe.Publish(ctx, channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish effects: %v", err)
	}
	return nil
}
