package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

const (
	defaultRedisPrefix = "guardian"
	maxIncidents       = 100
)

// Redis keeps checkpoints in a hash plus a set per day, both expiring
// after ttl, and incidents in a capped list.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type RedisOption func(*Redis)

// WithRedisPrefix namespaces keys, e.g. per host.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: defaultRedisPrefix,
		ttl:    48 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects and pings addr.
func DialRedis(ctx context.Context, addr, password string, opts ...RedisOption) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrapf(err, "ping redis %s", addr)
	}
	return NewRedis(rdb, opts...), nil
}

func (r *Redis) dailyKey(day string) string { return r.prefix + ":daily:" + day }
func (r *Redis) addrsKey(day string) string { return r.prefix + ":addrs:" + day }
func (r *Redis) incidentsKey() string       { return r.prefix + ":incidents" }

func (r *Redis) Load(ctx context.Context, day string) (accounting.Summary, bool, error) {
	h, err := r.rdb.HGetAll(ctx, r.dailyKey(day)).Result()
	if err != nil {
		return accounting.Summary{}, false, xerrors.Wrapf(err, "load checkpoint %s", day)
	}
	if len(h) == 0 {
		return accounting.Summary{}, false, nil
	}
	addrs, err := r.rdb.SMembers(ctx, r.addrsKey(day)).Result()
	if err != nil {
		return accounting.Summary{}, false, xerrors.Wrapf(err, "load addresses %s", day)
	}
	sum, err := summaryFromHash(day, h, addrs)
	if err != nil {
		return accounting.Summary{}, false, err
	}
	return sum, true, nil
}

// summaryFromHash decodes the daily hash written by Save.
func summaryFromHash(day string, h map[string]string, addrs []string) (accounting.Summary, error) {
	total, err := strconv.ParseUint(h["total_bytes"], 10, 64)
	if err != nil {
		return accounting.Summary{}, xerrors.Wrapf(err, "parse total_bytes for %s", day)
	}
	start, err := strconv.ParseInt(h["start_unix"], 10, 64)
	if err != nil {
		return accounting.Summary{}, xerrors.Wrapf(err, "parse start_unix for %s", day)
	}
	return accounting.Summary{
		Day:         day,
		Start:       time.Unix(start, 0),
		UniqueAddrs: len(addrs),
		TotalBytes:  total,
		Addrs:       addrs,
	}, nil
}

func (r *Redis) Save(ctx context.Context, sum accounting.Summary) error {
	dk, ak := r.dailyKey(sum.Day), r.addrsKey(sum.Day)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, dk,
		"start_unix", sum.Start.Unix(),
		"total_bytes", strconv.FormatUint(sum.TotalBytes, 10),
		"updated_unix", r.now().Unix(),
	)
	if len(sum.Addrs) > 0 {
		members := make([]any, len(sum.Addrs))
		for i, a := range sum.Addrs {
			members[i] = a
		}
		pipe.SAdd(ctx, ak, members...)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, dk, r.ttl)
		pipe.Expire(ctx, ak, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrapf(err, "save checkpoint %s", sum.Day)
	}
	return nil
}

func (r *Redis) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	b, err := json.Marshal(inc)
	if err != nil {
		return xerrors.Wrap(err, "encode incident")
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.incidentsKey(), b)
	pipe.LTrim(ctx, r.incidentsKey(), 0, maxIncidents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "record incident")
	}
	return nil
}

func (r *Redis) LastIncident(ctx context.Context) (breaker.Incident, bool, error) {
	b, err := r.rdb.LIndex(ctx, r.incidentsKey(), 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return breaker.Incident{}, false, nil
	}
	if err != nil {
		return breaker.Incident{}, false, xerrors.Wrap(err, "load last incident")
	}
	var inc breaker.Incident
	if err := json.Unmarshal(b, &inc); err != nil {
		return breaker.Incident{}, false, xerrors.Wrap(err, "decode incident")
	}
	return inc, true, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
