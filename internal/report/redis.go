package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/redisclient"
)

// publishScript stores the result only if none exists for the run, then
// pushes it onto the consumer list and the bounded recent list atomically.
var publishScript = redis.NewScript(3, `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[3]) - 1)
  return 1
end
return 0
`)

type RedisConfig struct {
	// Prefix namespaces all keys.
	Prefix string
	// Retention is how long per-run results are kept.
	Retention time.Duration
	// RecentSize bounds the recent list.
	RecentSize int
}

// Redis writes results to result:<runId>, the consumer list <prefix>:results
// and the recent list <prefix>:results:recent.
type Redis struct {
	client *redisclient.Client
	cfg    RedisConfig
}

func NewRedis(client *redisclient.Client, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "toolrunner"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 500
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) resultKey(runID string) string { return r.cfg.Prefix + ":result:" + runID }
func (r *Redis) queueKey() string              { return r.cfg.Prefix + ":results" }
func (r *Redis) recentKey() string             { return r.cfg.Prefix + ":results:recent" }

func (r *Redis) Publish(ctx context.Context, res *model.Result) (bool, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return false, errors.Wrap(err, "encoding result")
	}
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	stored, err := redis.Int(publishScript.DoContext(ctx, conn,
		r.resultKey(res.RunID), r.queueKey(), r.recentKey(),
		payload, int64(r.cfg.Retention/time.Second), r.cfg.RecentSize))
	if err != nil {
		return false, errors.Wrap(err, "publishing result")
	}
	return stored == 1, nil
}

func (r *Redis) Get(ctx context.Context, runID string) (*model.Result, error) {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	raw, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", r.resultKey(runID)))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "GET")
	}
	res := &model.Result{}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, errors.Wrap(err, "decoding result")
	}
	return res, nil
}

func (r *Redis) Recent(ctx context.Context, limit int) ([]*model.Result, error) {
	if limit <= 0 || limit > r.cfg.RecentSize {
		limit = r.cfg.RecentSize
	}
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	items, err := redis.ByteSlices(redis.DoContext(conn, ctx, "LRANGE", r.recentKey(), 0, limit-1))
	if err != nil {
		return nil, errors.Wrap(err, "LRANGE")
	}
	out := make([]*model.Result, 0, len(items))
	for _, raw := range items {
		res := &model.Result{}
		if err := json.Unmarshal(raw, res); err != nil {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}
