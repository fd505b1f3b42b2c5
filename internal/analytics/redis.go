// Package analytics keeps per-graph trigger outcome counters in Redis,
// bucketed by the hour the occurrence was due.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exospherehost/runtime/internal/domain"
)

type Config struct {
	Window    time.Duration // 1m, 5m or 1h
	Retention time.Duration // key TTL, must be >= Window
}

type RedisSink struct {
	client redis.Cmdable
	config Config
}

func NewRedisSink(client redis.Cmdable, config Config) *RedisSink {
	if config.Window == 0 {
		config.Window = time.Hour
	}
	if config.Retention < config.Window {
		config.Retention = config.Window
	}
	return &RedisSink{client: client, config: config}
}

// Record increments the outcome counter for the trigger's graph.
func (s *RedisSink) Record(ctx context.Context, trig domain.Trigger, outcome domain.TriggerStatus) error {
	key := buildKey(trig.Namespace, trig.GraphName, outcome, trig.TriggerTime, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func buildKey(namespace, graphName string, outcome domain.TriggerStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("ns:%s:g:%s:%s:%s", namespace, graphName, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		return t.Format("2006010215") + fmt.Sprintf("%02d", (t.Minute()/5)*5)
	default:
		return t.Format("2006010215")
	}
}
