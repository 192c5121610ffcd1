package redwire

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redwire-go/redwire/internal"
)

// Message is one decoded subscription push: either a delivered payload
// (message, pmessage, smessage) or a control notification (subscribe,
// unsubscribe and their pattern and shard variants).
type Message struct {
	Type    string
	Channel string
	Pattern string
	Payload string

	// Count is the server-side registration count carried by control
	// notifications.
	Count int64
}

// SubscribeOptions tunes the reception loop. The zero value subscribes until
// the server side unsubscribes everything.
type SubscribeOptions struct {
	// Stop, when non-nil, is evaluated after each delivered message; a
	// true result ends the subscription.
	Stop func(*Message) bool

	// OnError, when non-nil, sees every reception error before the loop
	// acts on it. Returning nil resumes the loop; returning an error (the
	// same or another) ends the subscription with it. Connection-level IO
	// errors are not recoverable: OnError sees them, but the loop ends with
	// the IO error whatever OnError returns.
	OnError func(error) error
}

type subKind struct {
	subscribeCmd   string
	unsubscribeCmd string
}

var (
	kindChannel = subKind{"subscribe", "unsubscribe"}
	kindPattern = subKind{"psubscribe", "punsubscribe"}
	kindShard   = subKind{"ssubscribe", "sunsubscribe"}
)

func (cn *Conn) subscriptionSet(kind subKind) map[string]struct{} {
	switch kind {
	case kindPattern:
		return cn.patterns
	case kindShard:
		return cn.shardChannels
	default:
		return cn.channels
	}
}

// Subscribe enters a blocking reception loop for the named channels,
// invoking handler for each delivered message. It returns when the stop
// predicate fires, the server unsubscribes the last name, or the connection
// fails. Only one subscription may be active per connection.
func (cn *Conn) Subscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, channels ...string) error {
	return cn.subscribe(ctx, kindChannel, handler, opts, channels)
}

// PSubscribe is Subscribe over glob patterns.
func (cn *Conn) PSubscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, patterns ...string) error {
	return cn.subscribe(ctx, kindPattern, handler, opts, patterns)
}

// SSubscribe is Subscribe over shard channels.
func (cn *Conn) SSubscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, channels ...string) error {
	return cn.subscribe(ctx, kindShard, handler, opts, channels)
}

// Unsubscribe removes channels from an active subscription without waiting
// for the confirmations; they are consumed by the reception loop. With no
// names it removes every channel.
func (cn *Conn) Unsubscribe(ctx context.Context, channels ...string) error {
	return cn.sendUnsubscribe(ctx, kindChannel, channels)
}

func (cn *Conn) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return cn.sendUnsubscribe(ctx, kindPattern, patterns)
}

func (cn *Conn) SUnsubscribe(ctx context.Context, channels ...string) error {
	return cn.sendUnsubscribe(ctx, kindShard, channels)
}

func (cn *Conn) sendUnsubscribe(ctx context.Context, kind subKind, names []string) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if atomic.LoadInt32(&cn.subscribed) == 0 {
		return fmt.Errorf("redwire: connection has no active subscription")
	}
	return cn.writeArgs(ctx, subscriptionArgs(kind.unsubscribeCmd, names))
}

func subscriptionArgs(cmd string, names []string) []interface{} {
	args := make([]interface{}, 0, 1+len(names))
	args = append(args, cmd)
	for _, name := range names {
		args = append(args, name)
	}
	return args
}

func (cn *Conn) subscribe(ctx context.Context, kind subKind, handler func(*Message), opts *SubscribeOptions, names []string) error {
	if opts == nil {
		opts = &SubscribeOptions{}
	}

	cn.mu.Lock()
	if atomic.LoadInt32(&cn.subscribed) == 1 {
		cn.mu.Unlock()
		return ErrSubscribed
	}
	if err := cn.ensureLive(ctx); err != nil {
		cn.mu.Unlock()
		return err
	}

	cn.channels = make(map[string]struct{})
	cn.patterns = make(map[string]struct{})
	cn.shardChannels = make(map[string]struct{})
	set := cn.subscriptionSet(kind)
	for _, name := range names {
		set[name] = struct{}{}
	}

	if err := cn.writeArgs(ctx, subscriptionArgs(kind.subscribeCmd, names)); err != nil {
		cn.markBroken()
		cn.clearSubscriptionLocked()
		cn.mu.Unlock()
		return err
	}
	atomic.StoreInt32(&cn.subscribed, 1)
	cn.mu.Unlock()

	err := cn.receiveLoop(ctx, handler, opts)
	cn.teardownSubscription(ctx, err)
	return err
}

// receiveLoop owns the read side of the socket until the subscription ends.
func (cn *Conn) receiveLoop(ctx context.Context, handler func(*Message), opts *SubscribeOptions) error {
	for {
		reply, err := cn.recv(ctx)
		if err != nil {
			if opts.OnError != nil {
				handled := opts.OnError(err)
				if isConnError(err) {
					return err
				}
				if handled == nil {
					continue
				}
				err = handled
			}
			return err
		}

		msg, err := parseSubscriptionMessage(reply)
		if err != nil {
			if opts.OnError != nil {
				if err = opts.OnError(err); err == nil {
					continue
				}
			}
			return err
		}

		switch msg.Type {
		case "message", "smessage", "pmessage":
			if !cn.subscriptionActive(msg) {
				continue
			}
			handler(msg)
			if opts.Stop != nil && opts.Stop(msg) {
				return nil
			}
		case "unsubscribe", "punsubscribe", "sunsubscribe":
			if cn.dropSubscription(msg) == 0 {
				return nil
			}
		default:
			// Confirmations and unrelated pushes are protocol noise to
			// the reception loop.
		}
	}
}

func (cn *Conn) subscriptionActive(msg *Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	switch msg.Type {
	case "pmessage":
		_, ok := cn.patterns[msg.Pattern]
		return ok
	case "smessage":
		_, ok := cn.shardChannels[msg.Channel]
		return ok
	default:
		_, ok := cn.channels[msg.Channel]
		return ok
	}
}

// dropSubscription applies an unsubscribe notification and returns how many
// registrations remain across all three sets. A nil name clears the
// notification's whole set.
func (cn *Conn) dropSubscription(msg *Message) int {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	var set map[string]struct{}
	var name string
	switch msg.Type {
	case "punsubscribe":
		set, name = cn.patterns, msg.Pattern
	case "sunsubscribe":
		set, name = cn.shardChannels, msg.Channel
	default:
		set, name = cn.channels, msg.Channel
	}
	if name == "" {
		for k := range set {
			delete(set, k)
		}
	} else {
		delete(set, name)
	}
	return len(cn.channels) + len(cn.patterns) + len(cn.shardChannels)
}

// teardownSubscription returns the connection to regular duty. Remaining
// server-side registrations are dropped, the buffers flushed, and the
// socket replaced so pending confirmations cannot bleed into the next
// exchange. After an IO failure the socket stays broken for the next
// operation to revive.
func (cn *Conn) teardownSubscription(ctx context.Context, cause error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ioBroken := cause != nil && isConnError(cause)

	if !ioBroken && cn.loadState() == connReady {
		if len(cn.channels) > 0 {
			_ = cn.writeArgs(ctx, []interface{}{kindChannel.unsubscribeCmd})
		}
		if len(cn.patterns) > 0 {
			_ = cn.writeArgs(ctx, []interface{}{kindPattern.unsubscribeCmd})
		}
		if len(cn.shardChannels) > 0 {
			_ = cn.writeArgs(ctx, []interface{}{kindShard.unsubscribeCmd})
		}
	}

	cn.clearSubscriptionLocked()
	cn.rd.Discard()

	if ioBroken {
		cn.markBroken()
		return
	}
	if cn.loadState() != connReady {
		return
	}

	// The unacknowledged unsubscribes above leave replies in flight, so a
	// fresh socket is the only clean state.
	cn.markBroken()
	if err := cn.connect(ctx); err != nil {
		internal.Logger.Printf(ctx, "redwire: reconnect after subscription failed: %s", err)
	}
}

func (cn *Conn) clearSubscriptionLocked() {
	cn.channels = nil
	cn.patterns = nil
	cn.shardChannels = nil
	atomic.StoreInt32(&cn.subscribed, 0)
}

func parseSubscriptionMessage(reply interface{}) (*Message, error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("redwire: unexpected subscription push %v", reply)
	}
	kind, ok := arr[0].(string)
	if !ok {
		return nil, fmt.Errorf("redwire: unexpected subscription push %v", reply)
	}

	msg := &Message{Type: strings.ToLower(kind)}
	switch msg.Type {
	case "message", "smessage":
		if len(arr) < 3 {
			return nil, fmt.Errorf("redwire: short %s push %v", msg.Type, reply)
		}
		msg.Channel = replyString(arr[1])
		msg.Payload = replyString(arr[2])
	case "pmessage":
		if len(arr) < 4 {
			return nil, fmt.Errorf("redwire: short pmessage push %v", reply)
		}
		msg.Pattern = replyString(arr[1])
		msg.Channel = replyString(arr[2])
		msg.Payload = replyString(arr[3])
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe",
		"ssubscribe", "sunsubscribe":
		if len(arr) >= 2 {
			switch arr[1].(type) {
			case nil:
			default:
				name := replyString(arr[1])
				if msg.Type == "psubscribe" || msg.Type == "punsubscribe" {
					msg.Pattern = name
				} else {
					msg.Channel = name
				}
			}
		}
		if len(arr) >= 3 {
			if n, ok := arr[2].(int64); ok {
				msg.Count = n
			}
		}
	}
	return msg, nil
}

func replyString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

//------------------------------------------------------------------------------

// Client-level subscriptions run on a dedicated connection so the routed
// command connections stay available while the call blocks.

func (c *Client) Subscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, channels ...string) error {
	cn, err := c.dedicatedConn(nil, false)
	if err != nil {
		return err
	}
	defer cn.Close()
	return cn.Subscribe(ctx, handler, opts, channels...)
}

func (c *Client) PSubscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, patterns ...string) error {
	cn, err := c.dedicatedConn(nil, false)
	if err != nil {
		return err
	}
	defer cn.Close()
	return cn.PSubscribe(ctx, handler, opts, patterns...)
}

// SSubscribe routes to the primary owning the shard channels' slot; the
// channels must therefore hash to a single slot.
func (c *Client) SSubscribe(ctx context.Context, handler func(*Message), opts *SubscribeOptions, channels ...string) error {
	cn, err := c.dedicatedConn(channels, true)
	if err != nil {
		return err
	}
	defer cn.Close()
	return cn.SSubscribe(ctx, handler, opts, channels...)
}

// dedicatedConn dials a private connection to the node that would serve the
// given keys. The caller owns and closes it.
func (c *Client) dedicatedConn(keys []string, write bool) (*Conn, error) {
	routed, err := c.router.Route(keys, write, false)
	if err != nil {
		return nil, err
	}
	return newConn(c.opt, routed.Addr()), nil
}
