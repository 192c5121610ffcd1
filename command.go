package redwire

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard routes a command to the whole cluster rather than to a key slot:
// writes go to an arbitrary primary, reads to an arbitrary node.
const Wildcard = "*"

// Cmd is one command together with its routing information and, after
// execution, its reply.
type Cmd struct {
	args []interface{}
	keys []string

	val interface{}
	err error
}

// NewCmd builds a command from raw arguments, deriving the routing keys and
// the write classification from the command name.
func NewCmd(args ...interface{}) *Cmd {
	return &Cmd{
		args: args,
		keys: extractKeys(args),
	}
}

// NewKeylessCmd builds a cluster-wide command routed by the Wildcard rule.
func NewKeylessCmd(args ...interface{}) *Cmd {
	return &Cmd{
		args: args,
		keys: []string{Wildcard},
	}
}

func (cmd *Cmd) Name() string {
	if len(cmd.args) == 0 {
		return ""
	}
	return strings.ToLower(fmt.Sprint(cmd.args[0]))
}

func (cmd *Cmd) Args() []interface{} { return cmd.args }

// Keys returns the routing keys. A nil result means the command carries no
// key and follows the Wildcard rule.
func (cmd *Cmd) Keys() []string { return cmd.keys }

func (cmd *Cmd) SetVal(val interface{}) { cmd.val = val }

func (cmd *Cmd) SetErr(err error) { cmd.err = err }

func (cmd *Cmd) Val() interface{} { return cmd.val }

func (cmd *Cmd) Err() error { return cmd.err }

func (cmd *Cmd) Result() (interface{}, error) { return cmd.val, cmd.err }

// Text returns the reply as a string. Nil replies fail with Nil so callers
// can distinguish a missing key from an empty value.
func (cmd *Cmd) Text() (string, error) {
	if cmd.err != nil {
		return "", cmd.err
	}
	switch v := cmd.val.(type) {
	case nil:
		return "", Nil
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("redwire: unexpected reply type %T for %s", v, cmd.Name())
	}
}

func (cmd *Cmd) Int64() (int64, error) {
	if cmd.err != nil {
		return 0, cmd.err
	}
	switch v := cmd.val.(type) {
	case nil:
		return 0, Nil
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("redwire: unexpected reply type %T for %s", v, cmd.Name())
	}
}

func (cmd *Cmd) Slice() ([]interface{}, error) {
	if cmd.err != nil {
		return nil, cmd.err
	}
	switch v := cmd.val.(type) {
	case nil:
		return nil, Nil
	case []interface{}:
		return v, nil
	default:
		return nil, fmt.Errorf("redwire: unexpected reply type %T for %s", v, cmd.Name())
	}
}

// readOnlyCommands are the commands routed to replicas when replica reads
// are enabled.
var readOnlyCommands = map[string]struct{}{
	"get": {}, "mget": {}, "getrange": {}, "strlen": {},
	"exists": {}, "ttl": {}, "pttl": {}, "type": {},
	"llen": {}, "lrange": {}, "lindex": {},
	"hget": {}, "hmget": {}, "hgetall": {}, "hlen": {}, "hkeys": {}, "hvals": {},
	"scard": {}, "smembers": {}, "sismember": {}, "srandmember": {},
	"zcard": {}, "zscore": {}, "zrange": {}, "zrank": {},
	"keys": {}, "scan": {}, "randomkey": {}, "dump": {},
	"bitcount": {}, "getbit": {},
}

func (cmd *Cmd) write() bool {
	_, readOnly := readOnlyCommands[cmd.Name()]
	return !readOnly
}

// extractKeys derives routing keys from the argument list. Commands the
// table does not know fall back to treating the first argument as the key,
// which holds for the bulk of the command set.
func extractKeys(args []interface{}) []string {
	if len(args) < 2 {
		return nil
	}
	name := strings.ToLower(fmt.Sprint(args[0]))

	switch name {
	case "ping", "echo", "auth", "select", "readonly", "info", "cluster",
		"multi", "exec", "discard", "flushall", "flushdb", "dbsize",
		"scan", "randomkey", "keys", "script", "config", "client",
		"publish", "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		return nil
	case "spublish", "ssubscribe", "sunsubscribe":
		// Shard channels route like keys.
		return argStrings(args[1:2])
	case "del", "exists", "unlink", "mget", "watch", "touch":
		return argStrings(args[1:])
	case "mset", "msetnx":
		keys := make([]string, 0, (len(args)-1)/2)
		for i := 1; i < len(args); i += 2 {
			keys = append(keys, fmt.Sprint(args[i]))
		}
		return keys
	case "eval", "evalsha":
		if len(args) < 3 {
			return nil
		}
		n, err := strconv.Atoi(fmt.Sprint(args[2]))
		if err != nil || n <= 0 || 3+n > len(args) {
			return nil
		}
		return argStrings(args[3 : 3+n])
	default:
		return argStrings(args[1:2])
	}
}

func argStrings(args []interface{}) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprint(a)
	}
	return out
}
