package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/redisclient"
)

// RedisConfig names the lists backing the queue.
type RedisConfig struct {
	// Key is the pending list producers LPUSH to.
	Key string
	// WorkerID names this consumer's processing list and lease.
	WorkerID string
	// PollTimeout bounds each blocking pop so ctx cancellation is noticed.
	PollTimeout time.Duration
	// LeaseTTL is how long a processing list stays owned without a heartbeat.
	LeaseTTL time.Duration
}

// Redis is a reliable list queue: BRPOPLPUSH moves each message into a
// per-worker processing list, Ack removes it with LREM. Each worker holds a
// lease key refreshed by Heartbeat; processing lists whose owner's lease has
// expired are requeued by any live worker.
type Redis struct {
	client *redisclient.Client
	cfg    RedisConfig
}

func NewRedis(client *redisclient.Client, cfg RedisConfig) *Redis {
	if cfg.Key == "" {
		cfg.Key = "toolrunner:jobs"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "default"
	}
	if cfg.PollTimeout < time.Second {
		cfg.PollTimeout = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) processingPrefix() string { return r.cfg.Key + ":processing:" }
func (r *Redis) processingKey() string    { return r.processingPrefix() + r.cfg.WorkerID }
func (r *Redis) leaseKey(workerID string) string {
	return r.cfg.Key + ":worker:" + workerID
}

func (r *Redis) Enqueue(ctx context.Context, job *model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encoding job")
	}
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "LPUSH", r.cfg.Key, raw)
	return errors.Wrap(err, "LPUSH")
}

func (r *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	secs := int(r.cfg.PollTimeout / time.Second)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := redis.Bytes(conn.Do("BRPOPLPUSH", r.cfg.Key, r.processingKey(), secs))
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "BRPOPLPUSH")
		}
		return decode(raw), nil
	}
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "LREM", r.processingKey(), 1, d.Raw)
	return errors.Wrap(err, "LREM")
}

// Recover renews this worker's lease, requeues its own processing list and
// then sweeps lists orphaned by workers whose lease expired.
func (r *Redis) Recover(ctx context.Context) (int, error) {
	if err := r.Heartbeat(ctx); err != nil {
		return 0, err
	}
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "redis connection")
	}
	n, err := r.requeue(ctx, conn, r.processingKey())
	conn.Close()
	if err != nil {
		return n, err
	}
	swept, err := r.Sweep(ctx)
	return n + swept, err
}

// Heartbeat renews this worker's lease on its processing list.
func (r *Redis) Heartbeat(ctx context.Context) error {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connection")
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "SET", r.leaseKey(r.cfg.WorkerID), time.Now().Unix(),
		"PX", r.cfg.LeaseTTL.Milliseconds())
	return errors.Wrap(err, "SET lease")
}

// Sweep requeues every processing list, other than this worker's, whose
// owner holds no live lease.
func (r *Redis) Sweep(ctx context.Context) (int, error) {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()

	var lists []string
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", r.processingPrefix()+"*", "COUNT", 100))
		if err != nil {
			return 0, errors.Wrap(err, "SCAN")
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return 0, errors.Wrap(err, "SCAN reply")
		}
		lists = append(lists, keys...)
		if cursor == 0 {
			break
		}
	}

	n := 0
	for _, list := range lists {
		owner := strings.TrimPrefix(list, r.processingPrefix())
		if owner == r.cfg.WorkerID {
			continue
		}
		alive, err := redis.Bool(redis.DoContext(conn, ctx, "EXISTS", r.leaseKey(owner)))
		if err != nil {
			return n, errors.Wrap(err, "EXISTS lease")
		}
		if alive {
			continue
		}
		moved, err := r.requeue(ctx, conn, list)
		n += moved
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// requeue moves every message of list onto the consumer end of the pending
// list, oldest ending up next in line.
func (r *Redis) requeue(ctx context.Context, conn redis.Conn, list string) (int, error) {
	n := 0
	for {
		_, err := redis.Bytes(redis.DoContext(conn, ctx, "LMOVE", list, r.cfg.Key, "LEFT", "RIGHT"))
		if errors.Is(err, redis.ErrNil) {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "LMOVE")
		}
		n++
	}
}

func (r *Redis) Depth(ctx context.Context) (int, error) {
	conn, err := r.client.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "redis connection")
	}
	defer conn.Close()
	return redis.Int(redis.DoContext(conn, ctx, "LLEN", r.cfg.Key))
}

// Close leaves the shared client open; its owner closes it.
func (r *Redis) Close() error {
	return nil
}
