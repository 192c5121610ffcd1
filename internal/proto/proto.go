// Package proto implements the RESP wire format: requests are arrays of bulk
// strings, replies are simple strings, errors, integers, bulk strings, arrays
// or nil.
package proto

import (
	"fmt"
	"strings"
)

// Reply type markers.
const (
	ErrorReply  = '-'
	StatusReply = '+'
	IntReply    = ':'
	StringReply = '$'
	ArrayReply  = '*'
)

// Nil is returned by command helpers when the server replies with a nil bulk
// string, i.e. the key does not exist.
const Nil = RedisError("redwire: nil")

// RedisError is an error reply sent by the server.
type RedisError string

func (e RedisError) Error() string { return string(e) }

// RedisError distinguishes server error replies from transport errors.
func (RedisError) RedisError() {}

// Prefix returns the leading word of the error message, e.g. "MOVED", "ASK",
// "CROSSSLOT" or "ERR".
func (e RedisError) Prefix() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i > -1 {
		return s[:i]
	}
	return s
}

// ParseError reports malformed RESP framing. The connection that produced it
// must be treated as broken: the stream position is no longer known.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("redwire: can't parse reply line %q", e.Line)
}
