package notify

import (
	"context"
	"fmt"

	"github.com/wonny/stocketl/pkg/logger"
	"github.com/wonny/stocketl/pkg/redis"
)

// Redis publishes the event on a pub/sub channel and invalidates the
// cached series of every affected symbol
type Redis struct {
	client  *redis.Client
	cache   *redis.Cache
	channel string
	logger  *logger.Logger
}

// NewRedis creates a new Redis notifier
func NewRedis(client *redis.Client, keyPrefix, channel string, log *logger.Logger) *Redis {
	return &Redis{
		client:  client,
		cache:   redis.NewCache(client, keyPrefix),
		channel: channel,
		logger:  log.WithField("module", "notify.redis"),
	}
}

func (r *Redis) Name() string { return "redis" }

// Notify implements Notifier
func (r *Redis) Notify(ctx context.Context, ev Event) error {
	if !r.client.Enabled() {
		return nil
	}

	dropped := 0
	for _, symbol := range ev.Symbols {
		if err := r.cache.Delete(ctx, redis.SeriesKey(symbol)); err != nil {
			return fmt.Errorf("invalidate series %s: %w", symbol, err)
		}
		n, err := r.cache.DeleteMatching(ctx, redis.PriceKey(symbol, "*"))
		if err != nil {
			return fmt.Errorf("invalidate prices %s: %w", symbol, err)
		}
		dropped += n
		if _, err := r.cache.Bump(ctx, redis.SeriesVersionKey(symbol)); err != nil {
			return fmt.Errorf("bump version %s: %w", symbol, err)
		}
	}

	payload, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"job_id":    ev.JobID,
		"symbols":   len(ev.Symbols),
		"dropped":   dropped,
		"receivers": receivers,
	}).Debug("Cache invalidated")
	return nil
}
