package redwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redwire-go/redwire/internal"
	"github.com/redwire-go/redwire/internal/proto"
)

// Connection life cycle. A connection is created opening, becomes ready once
// the handshake finishes, and moves to broken when the byte stream can no
// longer be trusted. Broken connections are revived transparently by the
// next operation; closed ones are not.
const (
	connOpening = iota
	connReady
	connClosing
	connClosed
	connBroken
)

// Conn is a single socket to one server. All request/reply traffic on it is
// serialized by an internal mutex, so a Conn is safe for concurrent use but
// only ever has one command in flight.
type Conn struct {
	opt  *Options
	addr string

	mu      sync.Mutex
	netConn net.Conn
	rd      *proto.Reader
	bw      *bufio.Writer
	wr      *proto.Writer

	state int32

	// readOnly marks replica connections. The handshake issues READONLY on
	// them exactly once per physical socket.
	readOnly bool

	// Subscription state. Guarded by mu; subscribed is also read without
	// the lock to fail fast in Exchange.
	subscribed    int32
	channels      map[string]struct{}
	patterns      map[string]struct{}
	shardChannels map[string]struct{}

	createdAt time.Time
	usedAt    int64 // atomic, unix nano
}

func newConn(opt *Options, addr string) *Conn {
	cn := &Conn{
		opt:       opt,
		addr:      addr,
		createdAt: time.Now(),
	}
	cn.rd = proto.NewReader(nil)
	cn.bw = bufio.NewWriter(nil)
	cn.wr = proto.NewWriter(cn.bw)
	cn.SetUsedAt(time.Now())
	return cn
}

func (cn *Conn) Addr() string { return cn.addr }

func (cn *Conn) UsedAt() time.Time {
	unix := atomic.LoadInt64(&cn.usedAt)
	return time.Unix(0, unix)
}

func (cn *Conn) SetUsedAt(tm time.Time) {
	atomic.StoreInt64(&cn.usedAt, tm.UnixNano())
}

func (cn *Conn) loadState() int32 {
	return atomic.LoadInt32(&cn.state)
}

func (cn *Conn) setState(s int32) {
	atomic.StoreInt32(&cn.state, s)
}

// Ready reports whether the connection has a live, handshake-completed
// socket. A broken or still-opening connection is not ready even though the
// next operation may revive it.
func (cn *Conn) Ready() bool {
	return cn.loadState() == connReady
}

// connect dials a fresh socket and runs the handshake on it. Callers hold
// cn.mu.
func (cn *Conn) connect(ctx context.Context) error {
	netConn, err := cn.opt.Dialer(ctx, "tcp", cn.addr)
	if err != nil {
		return err
	}

	if cn.opt.KeepAlivePeriod > 0 {
		if tcp, ok := netConn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(cn.opt.KeepAlivePeriod)
		}
	}

	cn.netConn = netConn
	cn.rd.Reset(netConn)
	cn.bw.Reset(netConn)

	if err := cn.handshake(ctx); err != nil {
		_ = netConn.Close()
		cn.netConn = nil
		return err
	}

	cn.setState(connReady)
	return nil
}

// handshake verifies the server is alive and applies authentication, the
// database selection and the replica read mode. It runs on the bare socket
// before the connection is marked ready.
func (cn *Conn) handshake(ctx context.Context) error {
	if err := cn.pipe(ctx, []interface{}{"ping"}, func(reply interface{}) error {
		if s, ok := reply.(string); !ok || s != "PONG" {
			return &proto.ParseError{Line: "ping reply"}
		}
		return nil
	}); err != nil {
		return err
	}

	if cn.opt.Password != "" {
		args := []interface{}{"auth", cn.opt.Password}
		if cn.opt.Username != "" {
			args = []interface{}{"auth", cn.opt.Username, cn.opt.Password}
		}
		if err := cn.pipe(ctx, args, nil); err != nil {
			return err
		}
	}

	if cn.opt.DB > 0 {
		if err := cn.pipe(ctx, []interface{}{"select", cn.opt.DB}, nil); err != nil {
			return err
		}
	}

	if cn.readOnly {
		if err := cn.pipe(ctx, []interface{}{"readonly"}, nil); err != nil {
			return err
		}
	}

	return nil
}

// pipe writes one command and reads its reply on the raw socket, outside the
// ready state machinery. Used by the handshake.
func (cn *Conn) pipe(ctx context.Context, args []interface{}, check func(interface{}) error) error {
	if err := cn.writeArgs(ctx, args); err != nil {
		return err
	}
	reply, err := cn.readReply(ctx)
	if err != nil {
		return err
	}
	if check != nil {
		return check(reply)
	}
	return nil
}

// ensureLive makes sure there is a ready socket, dialing a fresh one when
// the connection is opening or broken. Reconnect attempts are spaced by the
// retry backoff; when they are exhausted the connection stays broken and
// ErrClosed is reported, wrapping the last dial error. A dial error that is
// not worth retrying, such as a rejected AUTH, is reported as is. Callers
// hold cn.mu.
func (cn *Conn) ensureLive(ctx context.Context) error {
	switch cn.loadState() {
	case connReady:
		return nil
	case connClosing, connClosed:
		return ErrClosed
	case connBroken:
		if cn.opt.DisableReconnect {
			return ErrClosed
		}
	}

	var lastErr error
	for attempt := 0; attempt <= cn.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := internal.Sleep(ctx, cn.opt.retryBackoff(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = cn.connect(ctx)
		if lastErr == nil {
			return nil
		}
		internal.Logger.Printf(ctx, "redwire: connect %s failed: %s", cn.addr, lastErr)

		if !shouldRetry(lastErr) {
			break
		}
	}

	cn.setState(connBroken)
	if lastErr == nil {
		return ErrClosed
	}
	if shouldRetry(lastErr) {
		// The redial budget is spent.
		return fmt.Errorf("%w: %w", ErrClosed, lastErr)
	}
	return lastErr
}

// markBroken tears down the socket but keeps the connection revivable.
// Callers hold cn.mu.
func (cn *Conn) markBroken() {
	if cn.netConn != nil {
		_ = cn.netConn.Close()
		cn.netConn = nil
	}
	if cn.loadState() == connReady || cn.loadState() == connOpening {
		cn.setState(connBroken)
	}
}

// Exchange writes one command and returns its decoded reply. Server error
// replies come back as an Error value with the stream intact; transport and
// framing errors break the connection, and a later Exchange redials.
func (cn *Conn) Exchange(ctx context.Context, args ...interface{}) (interface{}, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.exchange(ctx, args)
}

func (cn *Conn) exchange(ctx context.Context, args []interface{}) (interface{}, error) {
	if atomic.LoadInt32(&cn.subscribed) == 1 {
		return nil, ErrSubscribed
	}
	if err := cn.ensureLive(ctx); err != nil {
		return nil, err
	}

	// Drop any decoded bytes a previous aborted operation may have left
	// behind. A healthy exchange leaves the buffer empty.
	cn.rd.Discard()

	if err := cn.writeArgs(ctx, args); err != nil {
		cn.markBroken()
		return nil, err
	}

	reply, err := cn.readReply(ctx)
	if err != nil {
		if isConnError(err) {
			cn.markBroken()
		}
		return nil, err
	}
	return reply, nil
}

// send writes one command without waiting for a reply. Callers hold cn.mu.
func (cn *Conn) send(ctx context.Context, args []interface{}) error {
	if err := cn.ensureLive(ctx); err != nil {
		return err
	}
	if err := cn.writeArgs(ctx, args); err != nil {
		cn.markBroken()
		return err
	}
	return nil
}

// recv reads one reply without writing anything. It blocks until the server
// pushes a message or deadline/ctx expires. Callers must not hold cn.mu for
// the whole wait; the subscription engine owns the connection while it
// receives.
func (cn *Conn) recv(ctx context.Context) (interface{}, error) {
	reply, err := cn.readReply(ctx)
	if err != nil && isConnError(err) {
		cn.mu.Lock()
		cn.markBroken()
		cn.mu.Unlock()
	}
	return reply, err
}

func (cn *Conn) writeArgs(ctx context.Context, args []interface{}) error {
	if err := cn.netConn.SetWriteDeadline(cn.deadline(ctx)); err != nil {
		return err
	}
	// Command names go out uppercase; servers accept any case but the
	// canonical form keeps traces grep-able.
	if len(args) > 0 {
		if name, ok := args[0].(string); ok {
			args[0] = strings.ToUpper(name)
		}
	}
	if err := cn.wr.WriteArgs(args); err != nil {
		return err
	}
	return cn.bw.Flush()
}

func (cn *Conn) readReply(ctx context.Context) (interface{}, error) {
	if err := cn.netConn.SetReadDeadline(cn.deadline(ctx)); err != nil {
		return nil, err
	}
	reply, err := cn.rd.ReadReply()
	if err != nil {
		return nil, err
	}
	cn.SetUsedAt(time.Now())
	return reply, nil
}

// deadline maps the context deadline onto the socket. Without one the socket
// blocks indefinitely; commands have no implicit timeout.
func (cn *Conn) deadline(ctx context.Context) time.Time {
	if ctx != nil {
		if tm, ok := ctx.Deadline(); ok {
			return tm
		}
	}
	return time.Time{}
}

// Close shuts the connection down for good. Subsequent operations return
// ErrClosed.
func (cn *Conn) Close() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.closeLocked()
	return nil
}

func (cn *Conn) closeLocked() {
	if cn.loadState() == connClosed {
		return
	}
	cn.setState(connClosing)
	if cn.netConn != nil {
		_ = cn.netConn.Close()
		cn.netConn = nil
	}
	cn.setState(connClosed)
}
