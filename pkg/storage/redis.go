package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngoyal88/ragsearch/pkg/cache"
)

const (
	timelineKey      = "logs:timeline"
	defaultScanBatch = 500
)

// RedisStore keeps each record under log:<id> with a retention TTL and indexes
// it in time-ordered sorted sets (global, per model alias, per subject).
type RedisStore struct {
	rdb   *cache.Client
	ttl   time.Duration
	now   func() time.Time
	batch int
}

// NewRedisStore creates a Redis-backed log store.
func NewRedisStore(rdb *cache.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: retention, now: time.Now, batch: defaultScanBatch}
}

func logKey(id string) string { return "log:" + id }

func score(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }

func formatScore(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }

// SaveRequestLog writes the record and its index entries in one transaction.
func (s *RedisStore) SaveRequestLog(ctx context.Context, log *RequestLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return err
	}

	member := redis.Z{Score: score(log.Timestamp), Member: log.ID}
	cutoff := formatScore(score(s.now().Add(-s.ttl)))

	indexes := []string{timelineKey}
	if log.Model != "" {
		indexes = append(indexes, "logs:model:"+log.Model)
	}
	if log.Subject != "" {
		indexes = append(indexes, "logs:subject:"+log.Subject)
	}

	_, err = s.rdb.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, logKey(log.ID), data, s.ttl)
		for _, key := range indexes {
			pipe.ZAdd(ctx, key, member)
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save request log %s: %w", log.ID, err)
	}
	return nil
}

// GetRequestLog retrieves a single record. An expired or unknown id returns
// cache.ErrMiss.
func (s *RedisStore) GetRequestLog(ctx context.Context, id string) (*RequestLog, error) {
	var log RequestLog
	if err := s.rdb.GetJSON(ctx, logKey(id), &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// ListRequestLogs returns records newest first. Records whose body already
// expired are skipped, and Offset and Limit count matching records only.
func (s *RedisStore) ListRequestLogs(ctx context.Context, filters LogFilters) ([]*RequestLog, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	skip := filters.Offset

	logs := make([]*RequestLog, 0, limit)
	err := s.scan(ctx, filters, func(log *RequestLog) bool {
		if skip > 0 {
			skip--
			return true
		}
		logs = append(logs, log)
		return len(logs) < limit
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// scan walks the narrowest index for filters newest first, batch by batch,
// and hands every matching live record to fn until fn returns false.
func (s *RedisStore) scan(ctx context.Context, filters LogFilters, fn func(*RequestLog) bool) error {
	indexKey := timelineKey
	switch {
	case filters.Subject != "":
		indexKey = "logs:subject:" + filters.Subject
	case filters.Model != "":
		indexKey = "logs:model:" + filters.Model
	}

	to := filters.To
	if to.IsZero() {
		to = s.now()
	}
	batch := s.batch
	if batch <= 0 {
		batch = defaultScanBatch
	}

	for offset := int64(0); ; offset += int64(batch) {
		ids, err := s.rdb.Redis().ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min:    formatScore(score(filters.From)),
			Max:    formatScore(score(to)),
			Offset: offset,
			Count:  int64(batch),
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = logKey(id)
		}
		bodies, err := s.rdb.Redis().MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, body := range bodies {
			raw, ok := body.(string)
			if !ok {
				continue
			}
			var log RequestLog
			if err := json.Unmarshal([]byte(raw), &log); err != nil {
				return fmt.Errorf("decode %s: %w", keys[i], err)
			}
			if filters.Model != "" && log.Model != filters.Model {
				continue
			}
			if !fn(&log) {
				return nil
			}
		}

		if len(ids) < batch {
			return nil
		}
	}
}

// GetUsageStats aggregates every record in [from, to]. Limit and Offset are
// ignored.
func (s *RedisStore) GetUsageStats(ctx context.Context, filters LogFilters) (*UsageStats, error) {
	stats := &UsageStats{
		ByModel:     make(map[string]int64),
		CostByModel: make(map[string]float64),
	}
	var totalLatency float64
	err := s.scan(ctx, filters, func(log *RequestLog) bool {
		stats.TotalRequests++
		if log.CacheHit {
			stats.CacheHits++
		} else {
			stats.CacheMisses++
		}
		if log.FallbackAnswer {
			stats.FallbackAnswers++
		}
		stats.ByModel[log.Model]++
		stats.CostByModel[log.Model] += log.EstimatedCostUSD
		stats.TotalCostUSD += log.EstimatedCostUSD
		stats.PromptTokens += int64(log.PromptTokens)
		totalLatency += log.LatencyMS
		return true
	})
	if err != nil {
		return nil, err
	}
	if stats.TotalRequests > 0 {
		stats.AvgLatencyMS = totalLatency / float64(stats.TotalRequests)
	}
	return stats, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx)
}
