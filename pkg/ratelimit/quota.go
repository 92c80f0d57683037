package ratelimit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// SubjectQuota limits authenticated subjects across replicas with GCRA.
type SubjectQuota struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewSubjectQuota allows perMinute requests per subject.
func NewSubjectQuota(rdb *redis.Client, perMinute int) *SubjectQuota {
	return &SubjectQuota{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

func (q *SubjectQuota) Allow(ctx context.Context, subject string) (Decision, error) {
	res, err := q.limiter.Allow(ctx, "ratelimit:sub:"+subject, q.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("subject quota: %w", err)
	}
	d := Decision{
		Allowed:   res.Allowed > 0,
		Limit:     q.limit.Rate,
		Remaining: res.Remaining,
	}
	if !d.Allowed {
		d.RetryAfter = res.RetryAfter
	}
	return d, nil
}
