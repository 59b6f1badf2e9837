package webhooks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/n1ur0/off-the-grid/internal/model"
)

const hourKeyLayout = "2006010215"

// RedisCounters shares health buckets between API replicas. Buckets are hashes
// webhook:health:{id}:{yyyymmddhh} and expire after the retention plus one hour.
type RedisCounters struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCounters(rdb redis.Cmdable, retention time.Duration) *RedisCounters {
	return &RedisCounters{rdb: rdb, ttl: retention + time.Hour}
}

func bucketKey(webhookID string, hour time.Time) string {
	return fmt.Sprintf("webhook:health:%s:%s", webhookID, hour.UTC().Format(hourKeyLayout))
}

func metaKey(webhookID string) string { return "webhook:health:" + webhookID + ":meta" }

func (r *RedisCounters) Record(ctx context.Context, webhookID string, success bool, latency time.Duration, at time.Time) error {
	key := bucketKey(webhookID, at)
	field, last := "failure", "last_failure"
	if success {
		field, last = "success", "last_success"
	}
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	if latency > 0 {
		pipe.HIncrBy(ctx, key, "latency_ms_sum", latency.Milliseconds())
		pipe.HIncrBy(ctx, key, "latency_samples", 1)
	}
	pipe.Expire(ctx, key, r.ttl)
	pipe.HSet(ctx, metaKey(webhookID), last, at.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, metaKey(webhookID), r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCounters) Window(ctx context.Context, webhookID string, from, to time.Time) (model.WindowStats, error) {
	pipe := r.rdb.Pipeline()
	var buckets []*redis.MapStringStringCmd
	for h := from.UTC().Truncate(time.Hour); !h.After(to); h = h.Add(time.Hour) {
		buckets = append(buckets, pipe.HGetAll(ctx, bucketKey(webhookID, h)))
	}
	meta := pipe.HGetAll(ctx, metaKey(webhookID))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.WindowStats{}, err
	}
	var out model.WindowStats
	for _, cmd := range buckets {
		m := cmd.Val()
		out.Successful += parseCount(m["success"])
		out.Failed += parseCount(m["failure"])
		out.LatencySumMs += parseCount(m["latency_ms_sum"])
		out.LatencySamples += parseCount(m["latency_samples"])
	}
	out.Total = out.Successful + out.Failed
	out.LastSuccessAt = parseStamp(meta.Val()["last_success"])
	out.LastFailureAt = parseStamp(meta.Val()["last_failure"])
	return out, nil
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseStamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
