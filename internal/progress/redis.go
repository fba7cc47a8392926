// Package progress relays engine progress notifications to Redis pub/sub so
// observers outside the process can follow executions.
package progress

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/models"
	"github.com/spoonbobo/onlysaid-electron-sub007/pkg/service"
)

const DefaultChannelPrefix = "swarm:progress:"

// AllChannel is the suffix of the channel that receives every notification.
const AllChannel = "all"

// RedisRelay publishes each notification to the channel of its execution and
// to the shared channel.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	logger service.Logger
}

func NewRedisRelay(client redis.UniversalClient, prefix string, logger service.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("progress: redis client is required")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisRelay{client: client, prefix: prefix, logger: logger}, nil
}

// Channel returns the channel notifications of executionID are published on.
func (r *RedisRelay) Channel(executionID string) string {
	return r.prefix + executionID
}

func (r *RedisRelay) Publish(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.Channel(n.ExecutionID), payload)
	pipe.Publish(ctx, r.Channel(AllChannel), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "publish notification %d", n.Seq)
	}
	return nil
}

// Run forwards notifications from sub until ctx is done or the subscription
// closes. Publish failures are logged and do not stop the relay.
func (r *RedisRelay) Run(ctx context.Context, sub *service.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.Publish(ctx, n); err != nil && ctx.Err() == nil {
				r.logger.Warnf("Failed to relay progress for execution %s: %v", n.ExecutionID, err)
			}
		}
	}
}
