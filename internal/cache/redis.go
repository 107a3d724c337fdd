package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/timeseries"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps every series as a sorted set scored by unix milliseconds.
// Members encode the exact nanosecond timestamp and the IEEE-754 bits of the
// value, so re-appending an identical tuple is a no-op and distinct tuples
// never collide.
//
// Keys:
//
//	<prefix>:ts:<entity>:<metric>   sorted set of samples
//	<prefix>:entities:<metric>      set of entity ids with that metric
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ timeseries.Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis %s: %v", apperrors.ErrStoreUnavailable, opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "pnode"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) seriesKey(entity string, metric models.Metric) string {
	return r.prefix + ":ts:" + entity + ":" + string(metric)
}

func (r *RedisStore) entitiesKey(metric models.Metric) string {
	return r.prefix + ":entities:" + string(metric)
}

// Append writes the batch inside MULTI/EXEC.
func (r *RedisStore) Append(ctx context.Context, snapshots ...models.Snapshot) error {
	if err := timeseries.Validate(snapshots); err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range snapshots {
			pipe.ZAdd(ctx, r.seriesKey(s.EntityID, s.Metric), &redis.Z{
				Score:  float64(s.Timestamp.UnixMilli()),
				Member: encodeMember(s.Timestamp, s.Value),
			})
			pipe.SAdd(ctx, r.entitiesKey(s.Metric), s.EntityID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append %d snapshots: %v", apperrors.ErrStoreUnavailable, len(snapshots), err)
	}
	return nil
}

func (r *RedisStore) Query(ctx context.Context, entityID string, metric models.Metric, from, to time.Time) ([]models.Point, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !from.IsZero() {
		rangeBy.Min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	if !to.IsZero() {
		rangeBy.Max = strconv.FormatInt(to.UnixMilli(), 10)
	}

	members, err := r.client.ZRangeByScore(ctx, r.seriesKey(entityID, metric), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: query %s/%s: %v", apperrors.ErrStoreUnavailable, entityID, metric, err)
	}

	points := make([]models.Point, 0, len(members))
	for _, member := range members {
		p, err := decodeMember(member)
		if err != nil {
			continue
		}
		// Scores are millisecond-granular; trim to the exact bounds.
		if (!from.IsZero() && p.Timestamp.Before(from)) || (!to.IsZero() && p.Timestamp.After(to)) {
			continue
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

func (r *RedisStore) Latest(ctx context.Context, entityID string, metric models.Metric) (models.Point, bool, error) {
	members, err := r.client.ZRevRange(ctx, r.seriesKey(entityID, metric), 0, 0).Result()
	if err != nil {
		return models.Point{}, false, fmt.Errorf("%w: latest %s/%s: %v", apperrors.ErrStoreUnavailable, entityID, metric, err)
	}
	if len(members) == 0 {
		return models.Point{}, false, nil
	}
	p, err := decodeMember(members[0])
	if err != nil {
		return models.Point{}, false, err
	}
	return p, true, nil
}

func (r *RedisStore) LatestByEntity(ctx context.Context, metric models.Metric) (map[string]models.Point, error) {
	entities, err := r.client.SMembers(ctx, r.entitiesKey(metric)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list entities for %s: %v", apperrors.ErrStoreUnavailable, metric, err)
	}

	cmds := make(map[string]*redis.StringSliceCmd, len(entities))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entity := range entities {
			if entity == models.NetworkEntity {
				continue
			}
			cmds[entity] = pipe.ZRevRange(ctx, r.seriesKey(entity, metric), 0, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: latest by entity for %s: %v", apperrors.ErrStoreUnavailable, metric, err)
	}

	out := make(map[string]models.Point, len(cmds))
	for entity, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil || len(members) == 0 {
			continue
		}
		p, err := decodeMember(members[0])
		if err != nil {
			continue
		}
		out[entity] = p
	}
	return out, nil
}

// Health checks connectivity.
func (r *RedisStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func encodeMember(ts time.Time, value float64) string {
	return strconv.FormatInt(ts.UnixNano(), 10) + ":" + strconv.FormatUint(math.Float64bits(value), 16)
}

func decodeMember(member string) (models.Point, error) {
	tsRaw, bitsRaw, ok := strings.Cut(member, ":")
	if !ok {
		return models.Point{}, fmt.Errorf("malformed series member %q", member)
	}
	nanos, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("malformed timestamp in %q: %w", member, err)
	}
	bits, err := strconv.ParseUint(bitsRaw, 16, 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("malformed value in %q: %w", member, err)
	}
	return models.Point{Timestamp: time.Unix(0, nanos).UTC(), Value: math.Float64frombits(bits)}, nil
}
