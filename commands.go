package redwire

import (
	"context"
	"time"
)

// Thin command helpers. Each packages its arguments and dispatches through
// the router; reply decoding stays on Cmd.

func (c *Client) Ping(ctx context.Context) *Cmd {
	return c.Do(ctx, "ping")
}

func (c *Client) Echo(ctx context.Context, message string) *Cmd {
	return c.Do(ctx, "echo", message)
}

// Set writes key. A non-zero expiration is applied with millisecond
// precision.
func (c *Client) Set(ctx context.Context, key, value string, expiration time.Duration) *Cmd {
	args := []interface{}{"set", key, value}
	if expiration > 0 {
		args = append(args, "px", int64(expiration/time.Millisecond))
	}
	return c.Do(ctx, args...)
}

// SetNX writes key only if it does not exist. The reply is "OK" on success
// and Nil when the key was already present.
func (c *Client) SetNX(ctx context.Context, key, value string, expiration time.Duration) *Cmd {
	args := []interface{}{"set", key, value, "nx"}
	if expiration > 0 {
		args = append(args, "px", int64(expiration/time.Millisecond))
	}
	return c.Do(ctx, args...)
}

func (c *Client) Get(ctx context.Context, key string) *Cmd {
	return c.Do(ctx, "get", key)
}

func (c *Client) Del(ctx context.Context, keys ...string) *Cmd {
	args := make([]interface{}, 0, 1+len(keys))
	args = append(args, "del")
	for _, key := range keys {
		args = append(args, key)
	}
	return c.Do(ctx, args...)
}

func (c *Client) Exists(ctx context.Context, keys ...string) *Cmd {
	args := make([]interface{}, 0, 1+len(keys))
	args = append(args, "exists")
	for _, key := range keys {
		args = append(args, key)
	}
	return c.Do(ctx, args...)
}

func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) *Cmd {
	args := append([]interface{}{"lpush", key}, values...)
	return c.Do(ctx, args...)
}

func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) *Cmd {
	args := append([]interface{}{"rpush", key}, values...)
	return c.Do(ctx, args...)
}

func (c *Client) LPop(ctx context.Context, key string) *Cmd {
	return c.Do(ctx, "lpop", key)
}

func (c *Client) RPop(ctx context.Context, key string) *Cmd {
	return c.Do(ctx, "rpop", key)
}

func (c *Client) HSet(ctx context.Context, key string, fieldValues ...interface{}) *Cmd {
	args := append([]interface{}{"hset", key}, fieldValues...)
	return c.Do(ctx, args...)
}

func (c *Client) HGet(ctx context.Context, key, field string) *Cmd {
	return c.Do(ctx, "hget", key, field)
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) *Cmd {
	return c.Do(ctx, "hincrby", key, field, incr)
}

// Publish posts to a broadcast channel and reports the receiver count.
func (c *Client) Publish(ctx context.Context, channel, message string) *Cmd {
	return c.Do(ctx, "publish", channel, message)
}

// SPublish posts to a shard channel; in a cluster it is routed to the
// primary owning the channel's slot.
func (c *Client) SPublish(ctx context.Context, channel, message string) *Cmd {
	return c.Do(ctx, "spublish", channel, message)
}

// Eval runs a server-side script with the given keys. The keys route the
// command like any other multi-key operation.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *Cmd {
	cmdArgs := make([]interface{}, 0, 3+len(keys)+len(args))
	cmdArgs = append(cmdArgs, "eval", script, len(keys))
	for _, key := range keys {
		cmdArgs = append(cmdArgs, key)
	}
	cmdArgs = append(cmdArgs, args...)
	return c.Do(ctx, cmdArgs...)
}

// FlushAll clears every primary.
func (c *Client) FlushAll(ctx context.Context) error {
	return c.ForEachPrimary(ctx, func(ctx context.Context, cn *Conn) error {
		_, err := cn.Exchange(ctx, "flushall")
		return err
	})
}
