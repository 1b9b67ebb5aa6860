// Package redisclient wraps a redigo connection pool.
package redisclient

import (
	"context"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// ErrNilConnection pool returned nil for a connection.
var ErrNilConnection = errors.New("pool returned nil for redis connection")

// Client wraps access to the redis server.
type Client struct {
	url          string
	password     string
	dialTimeouts time.Duration
	maxActive    int
	pool         *redis.Pool
}

// New creates a client. url may be a bare address; rediss:// enables TLS.
func New(url, password string, maxActive int) *Client {
	if !strings.HasPrefix(url, "redis") {
		url = "redis://" + url
	}
	if maxActive <= 0 {
		maxActive = 50
	}
	return &Client{url: url, password: password, dialTimeouts: 10 * time.Second, maxActive: maxActive}
}

// Init initializes the pool and runs a PING.
func (c *Client) Init(ctx context.Context) error {
	c.pool = &redis.Pool{
		MaxIdle:     3,
		MaxActive:   c.maxActive,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(c.dialTimeouts),
				redis.DialWriteTimeout(c.dialTimeouts),
			}
			if c.password != "" {
				opts = append(opts, redis.DialPassword(c.password))
			}
			return redis.DialURLContext(ctx, c.url, opts...)
		},
		TestOnBorrow: func(conn redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := conn.Do("PING")
			return err
		},
	}
	return c.Ping(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// GetContext a connection from the pool.
func (c *Client) GetContext(ctx context.Context) (redis.Conn, error) {
	if c.pool == nil {
		return nil, ErrNilConnection
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNilConnection
	}
	return conn, nil
}

func (c *Client) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}
