package redwire

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/redwire-go/redwire/internal/proto"
)

// Nil is the reply of commands that address a key that does not exist, e.g.
// GET on a missing key.
const Nil = proto.Nil

var (
	// ErrClosed is returned when an operation is attempted on a client or
	// connection that has been closed, on a broken connection with
	// reconnecting disabled, or when an operation's reconnect attempts are
	// exhausted. In the last case it wraps the final dial error and the
	// connection stays broken, so a later operation dials again.
	ErrClosed = errors.New("redwire: client is closed")

	// ErrSubscribed is returned when a connection that carries an active
	// subscription is asked to do regular request/reply work, or when a
	// second subscription is started on it.
	ErrSubscribed = errors.New("redwire: connection is subscribed")

	// ErrCrossSlot is returned when the keys of a single command hash to
	// more than one cluster slot.
	ErrCrossSlot = errors.New("redwire: keys hash to different slots")

	// ErrLockUnavailable is returned by AcquireLock when the lock key is
	// already held by someone else.
	ErrLockUnavailable = errors.New("redwire: lock is held by another client")
)

// Error is implemented by all error replies sent by the server, as opposed to
// transport or protocol errors raised client side.
type Error interface {
	error

	// RedisError is a no-op method that marks server error replies.
	RedisError()
}

var _ Error = proto.RedisError("")

func isRedisError(err error) bool {
	_, ok := err.(proto.RedisError)
	return ok
}

// isConnError reports whether err means the connection byte stream can no
// longer be trusted. Server error replies leave the stream healthy; anything
// coming from IO or framing does not.
func isConnError(err error) bool {
	if err == nil || isRedisError(err) {
		return false
	}
	return true
}

// shouldRetry reports whether a fresh attempt of the same command may
// succeed. IO errors and transient server states qualify; a cancelled
// context never does.
func shouldRetry(err error) bool {
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return true
	case nil, context.Canceled, context.DeadlineExceeded:
		return false
	}

	if v, ok := err.(timeoutError); ok {
		return !v.Timeout()
	}

	s := err.Error()
	if s == "ERR max number of clients reached" {
		return true
	}
	if strings.HasPrefix(s, "LOADING ") {
		return true
	}
	if strings.HasPrefix(s, "CLUSTERDOWN ") {
		return true
	}
	if strings.HasPrefix(s, "TRYAGAIN ") {
		return true
	}

	return false
}

// isMovedError decodes MOVED and ASK redirections into the address of the
// node that owns the slot.
func isMovedError(err error) (moved bool, ask bool, addr string) {
	if !isRedisError(err) {
		return
	}

	s := err.Error()
	switch {
	case strings.HasPrefix(s, "MOVED "):
		moved = true
	case strings.HasPrefix(s, "ASK "):
		ask = true
	default:
		return
	}

	ind := strings.LastIndex(s, " ")
	if ind == -1 {
		return false, false, ""
	}
	addr = s[ind+1:]
	return
}

func isLoadingError(err error) bool {
	return strings.HasPrefix(err.Error(), "LOADING ")
}

func isReadOnlyError(err error) bool {
	return strings.HasPrefix(err.Error(), "READONLY ")
}

type timeoutError interface {
	Timeout() bool
}

var _ timeoutError = (net.Error)(nil)
