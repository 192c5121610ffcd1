package redwire

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/redwire-go/redwire/internal"
)

// Options configures a client and the connections it opens. The zero value
// is usable; init fills in defaults.
type Options struct {
	// Addr is the host:port of the seed server. For cluster clients it is
	// the entry point used to discover the rest of the topology.
	Addr string

	// Dialer creates the network connection. The default dials TCP with
	// DialTimeout.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Username and Password are sent during the handshake when Password is
	// non-empty. Username selects an ACL user; leave it empty for the
	// default requirepass scheme.
	Username string
	Password string

	// DB is the logical database selected after the handshake. Cluster
	// servers only support DB 0.
	DB int

	// TLSConfig, when set, wraps every connection in TLS.
	TLSConfig *tls.Config

	// DialTimeout bounds the TCP connect (and the TLS handshake when
	// TLSConfig is set) of a single dial made by the default Dialer. The
	// PING/AUTH handshake that follows is bounded only by the context
	// deadline. Default is 5 seconds.
	DialTimeout time.Duration

	// DisableReconnect makes operations on a broken connection fail with
	// ErrClosed instead of dialing a replacement socket.
	DisableReconnect bool

	// MaxRetries is the number of times a failed dial is retried before an
	// operation on a broken connection gives up with ErrClosed.
	// Default is 3; -1 disables retries.
	MaxRetries int

	// RetryBackoff computes the wait before reconnect attempt n (counted
	// from 0). When nil, a randomized exponential backoff bounded by
	// MinRetryBackoff and MaxRetryBackoff is used.
	RetryBackoff func(retry int) time.Duration

	// MinRetryBackoff and MaxRetryBackoff bound the default randomized
	// exponential wait between reconnect attempts.
	// Defaults are 8 and 512 milliseconds; -1 disables the backoff.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	// KeepAlivePeriod is the interval between TCP keepalive probes on new
	// connections. Default is 5 minutes; -1 disables keepalive.
	KeepAlivePeriod time.Duration

	// MaxRedirects is the number of MOVED/ASK redirections followed per
	// command before giving up. Default is 3; -1 disables following.
	MaxRedirects int

	// ReadOnly routes read commands to replica nodes when the topology has
	// any. Write commands always go to primaries.
	ReadOnly bool
}

func (opt *Options) init() {
	if opt.Addr == "" {
		opt.Addr = "127.0.0.1:6379"
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.Dialer == nil {
		opt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			netDialer := &net.Dialer{
				Timeout: opt.DialTimeout,
			}
			if opt.TLSConfig == nil {
				return netDialer.DialContext(ctx, network, addr)
			}
			return tls.DialWithDialer(netDialer, network, addr, opt.TLSConfig)
		}
	}

	switch opt.MaxRetries {
	case -1:
		opt.MaxRetries = 0
	case 0:
		opt.MaxRetries = 3
	}
	switch opt.MaxRedirects {
	case -1:
		opt.MaxRedirects = 0
	case 0:
		opt.MaxRedirects = 3
	}
	switch opt.MinRetryBackoff {
	case -1:
		opt.MinRetryBackoff = 0
	case 0:
		opt.MinRetryBackoff = 8 * time.Millisecond
	}
	switch opt.MaxRetryBackoff {
	case -1:
		opt.MaxRetryBackoff = 0
	case 0:
		opt.MaxRetryBackoff = 512 * time.Millisecond
	}

	switch opt.KeepAlivePeriod {
	case -1:
		opt.KeepAlivePeriod = 0
	case 0:
		opt.KeepAlivePeriod = 5 * time.Minute
	}
}

func (opt *Options) clone() *Options {
	clone := *opt
	return &clone
}

func (opt *Options) retryBackoff(retry int) time.Duration {
	if opt.RetryBackoff != nil {
		return opt.RetryBackoff(retry)
	}
	return internal.RetryBackoff(retry, opt.MinRetryBackoff, opt.MaxRetryBackoff)
}
