// Package analytics keeps rolling per-campaign send counters in Redis,
// bucketed by time window so dashboards can chart delivery over the day.
// Counters are best effort and never on the delivery critical path.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/domain"
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisSink{
		client:    client,
		window:    window,
		retention: retention,
		clock:     time.Now,
	}
}

// Record increments the campaign's sent or failed counter in the current
// time bucket. Errors are logged, not returned, so a Redis outage never
// interferes with delivery.
func (s *RedisSink) Record(ctx context.Context, job domain.DeliveryJob, successful bool) {
	outcome := "failed"
	if successful {
		outcome = "sent"
	}
	key := buildKey(job.CampaignID.String(), outcome, s.clock(), s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record %s for campaign %s: %v", outcome, job.CampaignID, err)
	}
}

// Counts returns the campaign's counters for the n most recent buckets,
// oldest first.
func (s *RedisSink) Counts(ctx context.Context, campaignID string, outcome string, n int) ([]int64, error) {
	keys := make([]string, 0, n)
	now := s.clock()
	for i := n - 1; i >= 0; i-- {
		keys = append(keys, buildKey(campaignID, outcome, now.Add(-time.Duration(i)*s.window), s.window))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	counts := make([]int64, len(values))
	for i, v := range values {
		if raw, ok := v.(string); ok {
			fmt.Sscanf(raw, "%d", &counts[i])
		}
	}
	return counts, nil
}

func buildKey(campaignID, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("c:%s:%s:%s", campaignID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("2006010215")
	}
}

var _ dispatcher.AnalyticsSink = (*RedisSink)(nil)
