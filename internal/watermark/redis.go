package watermark

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "agencyops:wm:"
	defaultTTL = 30 * 24 * time.Hour
)

// Redis persists watermarks so a restart does not re-announce or lose
// messages. Each conversation is a sorted set of message IDs scored by
// their timestamp in milliseconds, plus a hash holding the floor.
type Redis struct {
	client   redis.UniversalClient
	capacity int
	ttl      time.Duration
}

// NewRedis wraps an existing client. ttl bounds how long an idle
// conversation's state is kept; zero means 30 days.
func NewRedis(client redis.UniversalClient, capacity int, ttl time.Duration) *Redis {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, capacity: capacity, ttl: ttl}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func setKey(conv string) string  { return keyPrefix + conv }
func metaKey(conv string) string { return keyPrefix + conv + ":meta" }

func (r *Redis) Observe(ctx context.Context, conv string, marks []Mark) ([]string, bool, error) {
	set, meta := setKey(conv), metaKey(conv)

	floorMs, first, err := r.floor(ctx, meta)
	if err != nil {
		return nil, false, err
	}

	sorted := sortMarks(marks)
	scores := make([]*redis.FloatCmd, len(sorted))
	if len(sorted) > 0 {
		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, mk := range sorted {
				scores[i] = pipe.ZScore(ctx, set, mk.ID)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, fmt.Errorf("lookup watermarks for %s: %w", conv, err)
		}
	}

	var (
		unseen []string
		add    []redis.Z
		dup    = make(map[string]bool)
	)
	for i, mk := range sorted {
		switch err := scores[i].Err(); {
		case err == nil:
			continue
		case !errors.Is(err, redis.Nil):
			return nil, false, fmt.Errorf("lookup watermark %s/%s: %w", conv, mk.ID, err)
		}
		ms := mk.At.UnixMilli()
		if dup[mk.ID] || (!first && ms <= floorMs) {
			continue
		}
		dup[mk.ID] = true
		unseen = append(unseen, mk.ID)
		add = append(add, redis.Z{Score: float64(ms), Member: mk.ID})
	}

	if err := r.store(ctx, set, meta, add, floorMs); err != nil {
		return nil, false, fmt.Errorf("store watermarks for %s: %w", conv, err)
	}
	return unseen, first, nil
}

// floor returns the stored floor in milliseconds. first is true when the
// conversation has no state yet.
func (r *Redis) floor(ctx context.Context, meta string) (int64, bool, error) {
	v, err := r.client.HGet(ctx, meta, "floor").Result()
	if errors.Is(err, redis.Nil) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark floor: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt watermark floor %q: %w", v, err)
	}
	return ms, false, nil
}

func (r *Redis) store(ctx context.Context, set, meta string, add []redis.Z, floorMs int64) error {
	if len(add) > 0 {
		if err := r.client.ZAdd(ctx, set, add...).Err(); err != nil {
			return err
		}
	}

	n, err := r.client.ZCard(ctx, set).Result()
	if err != nil {
		return err
	}
	if excess := n - int64(r.capacity); excess > 0 {
		evicted, err := r.client.ZRangeWithScores(ctx, set, 0, excess-1).Result()
		if err != nil {
			return err
		}
		for _, z := range evicted {
			floorMs = max(floorMs, int64(z.Score))
		}
		if err := r.client.ZRemRangeByRank(ctx, set, 0, excess-1).Err(); err != nil {
			return err
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, meta, "floor", floorMs)
		pipe.Expire(ctx, meta, r.ttl)
		pipe.Expire(ctx, set, r.ttl)
		return nil
	})
	return err
}
