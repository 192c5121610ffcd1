package redwire

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/redwire-go/redwire/internal"
)

// releaseScript deletes the lock key only when it still carries the caller's
// token. Running the comparison server side keeps the check-and-delete
// atomic; a plain GET+DEL could remove a lock that expired and was reacquired
// in between.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lock is a held advisory lock. It is bound to the token minted at acquire
// time, so releasing it never disturbs a lock that has since expired and
// been taken by someone else.
type Lock struct {
	client *Client
	key    string
	token  string
}

func (l *Lock) Key() string   { return l.key }
func (l *Lock) Token() string { return l.token }

// Release removes the lock if this holder still owns it. It reports false
// when the key already expired or now carries another holder's token; in
// that case the key is left untouched.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AcquireLock takes the named lock for ttl, waiting up to wait for a
// competing holder to let go. Contention is retried on the client retry
// backoff; when wait runs out the call fails with ErrLockUnavailable and
// the lock stays with its current holder.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for attempt := 0; ; attempt++ {
		_, err := c.SetNX(ctx, key, token, ttl).Text()
		if err == nil {
			return &Lock{client: c, key: key, token: token}, nil
		}
		if err != Nil {
			return nil, err
		}

		backoff := c.opt.retryBackoff(attempt)
		if time.Now().Add(backoff).After(deadline) {
			return nil, ErrLockUnavailable
		}
		if err := internal.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

// IsLocked reports whether the named lock currently exists. The answer is
// advisory only: the lock may expire or change hands the moment this
// returns.
func (c *Client) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := c.Exists(ctx, key).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WithLock runs fn while holding the named lock and releases it on every
// exit path, including a panicking fn. The release result is discarded; if
// the ttl elapsed during fn the lock is simply gone.
func (c *Client) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	lock, err := c.AcquireLock(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = lock.Release(ctx)
	}()
	return fn(ctx)
}
