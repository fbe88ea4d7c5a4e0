package redisstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// CappedList is a bounded most-recent-first index on top of a Redis list:
// push at the head, trim the tail to Max entries. Push must run inside the
// caller's pipeline so the push+trim pair is applied atomically alongside
// any sibling writes.
type CappedList struct {
	Key string
	Max int64
}

func (l CappedList) Push(ctx context.Context, pipe redis.Pipeliner, values ...any) {
	pipe.LPush(ctx, l.Key, values...)
	pipe.LTrim(ctx, l.Key, 0, l.Max-1)
}

// Range reads a window of the index. Windows beyond the retained length
// simply come back empty.
func (l CappedList) Range(ctx context.Context, rdb redis.Cmdable, offset, limit int) ([]string, error) {
	start, stop, ok := rangeBounds(offset, limit, l.Max)
	if !ok {
		return nil, nil
	}
	return rdb.LRange(ctx, l.Key, start, stop).Result()
}

// rangeBounds converts an offset/limit page into inclusive LRANGE bounds,
// clamped to the retained capacity. ok is false when the window cannot
// intersect the list.
func rangeBounds(offset, limit int, max int64) (start, stop int64, ok bool) {
	if limit <= 0 || offset < 0 {
		return 0, 0, false
	}
	start = int64(offset)
	if start >= max {
		return 0, 0, false
	}
	stop = start + int64(limit) - 1
	if stop > max-1 {
		stop = max - 1
	}
	return start, stop, true
}
