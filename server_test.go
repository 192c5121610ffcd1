package redwire

import (
	"bufio"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redwire-go/redwire/internal/hashtag"
	"github.com/redwire-go/redwire/internal/proto"
)

// status is a simple-string reply, as opposed to a bulk string.
type status string

// noReply makes an onCommand hook swallow the command without answering.
type noReplyType struct{}

var noReply noReplyType

// respError is an error reply.
type respError string

// testServer speaks enough RESP to exercise the client: strings, lists,
// hashes, MULTI/EXEC, pub/sub and the lock release script. A server can be
// scoped to a slot range so that keys outside it draw MOVED redirections.
type testServer struct {
	t  *testing.T
	ln net.Listener

	mu     sync.Mutex
	data   map[string]string
	lists  map[string][]string
	hashes map[string]map[string]string
	subs   map[*serverConn]struct{}

	password string

	// cluster mode
	clusterEnabled bool
	slotMin        int
	slotMax        int
	movedTo        string

	// slotsReply overrides the CLUSTER SLOTS reply, letting one server
	// announce a multi-node topology.
	slotsReply func() interface{}

	// onCommand intercepts commands before the built-in handling. Return
	// handled=false to fall through.
	onCommand func(sc *serverConn, args []string) (reply interface{}, handled bool)

	accepted int32
	closed   int32
}

type serverConn struct {
	srv  *testServer
	conn net.Conn

	wmu sync.Mutex
	bw  *bufio.Writer
	wr  *proto.Writer

	authed bool
	queue  [][]string
	inTx   bool

	channels      map[string]struct{}
	patterns      map[string]struct{}
	shardChannels map[string]struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	srv := &testServer{
		t:      t,
		ln:     ln,
		data:   make(map[string]string),
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		subs:   make(map[*serverConn]struct{}),
	}
	go srv.acceptLoop()
	t.Cleanup(srv.Close)
	return srv
}

func (srv *testServer) Addr() string { return srv.ln.Addr().String() }

func (srv *testServer) Accepted() int { return int(atomic.LoadInt32(&srv.accepted)) }

func (srv *testServer) Close() {
	if !atomic.CompareAndSwapInt32(&srv.closed, 0, 1) {
		return
	}
	_ = srv.ln.Close()
	srv.mu.Lock()
	for sc := range srv.subs {
		_ = sc.conn.Close()
	}
	srv.mu.Unlock()
}

// subscriber returns a connection registered for channel, if any.
func (srv *testServer) subscriber(channel string) *serverConn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for sc := range srv.subs {
		if _, ok := sc.channels[channel]; ok {
			return sc
		}
		if _, ok := sc.patterns[channel]; ok {
			return sc
		}
		if _, ok := sc.shardChannels[channel]; ok {
			return sc
		}
	}
	return nil
}

func (srv *testServer) acceptLoop() {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&srv.accepted, 1)
		go srv.serve(conn)
	}
}

func (srv *testServer) serve(conn net.Conn) {
	sc := &serverConn{
		srv:           srv,
		conn:          conn,
		bw:            bufio.NewWriter(conn),
		channels:      make(map[string]struct{}),
		patterns:      make(map[string]struct{}),
		shardChannels: make(map[string]struct{}),
	}
	sc.wr = proto.NewWriter(sc.bw)

	srv.mu.Lock()
	srv.subs[sc] = struct{}{}
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.subs, sc)
		srv.mu.Unlock()
		_ = conn.Close()
	}()

	rd := proto.NewReader(conn)
	for {
		reply, err := rd.ReadReply()
		if err != nil {
			return
		}
		raw, ok := reply.([]interface{})
		if !ok || len(raw) == 0 {
			return
		}
		args := make([]string, len(raw))
		for i, v := range raw {
			args[i] = fmt.Sprint(v)
		}
		sc.dispatch(args)
	}
}

func (sc *serverConn) write(vals ...interface{}) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	for _, v := range vals {
		writeReply(sc.wr, v)
	}
	_ = sc.bw.Flush()
}

func writeReply(wr *proto.Writer, v interface{}) {
	switch v := v.(type) {
	case status:
		_, _ = wr.WriteString("+" + string(v) + "\r\n")
	case respError:
		_, _ = wr.WriteString("-" + string(v) + "\r\n")
	case nil:
		_, _ = wr.WriteString("$-1\r\n")
	case int:
		_, _ = wr.WriteString(":" + strconv.Itoa(v) + "\r\n")
	case int64:
		_, _ = wr.WriteString(":" + strconv.FormatInt(v, 10) + "\r\n")
	case string:
		_, _ = wr.WriteString("$" + strconv.Itoa(len(v)) + "\r\n" + v + "\r\n")
	case []interface{}:
		_, _ = wr.WriteString("*" + strconv.Itoa(len(v)) + "\r\n")
		for _, el := range v {
			writeReply(wr, el)
		}
	default:
		panic(fmt.Sprintf("testServer: cannot encode %T", v))
	}
}

func (sc *serverConn) dispatch(args []string) {
	cmd := strings.ToLower(args[0])

	if sc.srv.onCommand != nil {
		if reply, handled := sc.srv.onCommand(sc, args); handled {
			if _, silent := reply.(noReplyType); !silent {
				sc.write(reply)
			}
			return
		}
	}

	if sc.srv.password != "" && !sc.authed && cmd != "auth" && cmd != "ping" {
		sc.write(respError("NOAUTH Authentication required."))
		return
	}

	if sc.inTx && cmd != "exec" && cmd != "multi" && cmd != "discard" {
		sc.queue = append(sc.queue, args)
		sc.write(status("QUEUED"))
		return
	}

	switch cmd {
	case "multi":
		sc.inTx = true
		sc.queue = nil
		sc.write(status("OK"))
	case "exec":
		sc.inTx = false
		replies := make([]interface{}, len(sc.queue))
		for i, queued := range sc.queue {
			replies[i] = sc.eval(queued)
		}
		sc.queue = nil
		sc.write(replies)
	case "discard":
		sc.inTx = false
		sc.queue = nil
		sc.write(status("OK"))
	case "subscribe", "psubscribe", "ssubscribe",
		"unsubscribe", "punsubscribe", "sunsubscribe":
		sc.pubsub(cmd, args[1:])
	default:
		sc.write(sc.eval(args))
	}
}

// eval executes a non-transactional command and returns its reply value.
func (sc *serverConn) eval(args []string) interface{} {
	srv := sc.srv
	cmd := strings.ToLower(args[0])

	if srv.clusterEnabled {
		if key, ok := commandKey(cmd, args); ok {
			slot := hashtag.Slot(key)
			if slot < srv.slotMin || slot > srv.slotMax {
				return respError(fmt.Sprintf("MOVED %d %s", slot, srv.movedTo))
			}
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch cmd {
	case "ping":
		return status("PONG")
	case "auth":
		if args[len(args)-1] == srv.password {
			sc.authed = true
			return status("OK")
		}
		return respError("WRONGPASS invalid username-password pair")
	case "select", "readonly", "asking":
		return status("OK")
	case "echo":
		return args[1]
	case "info":
		enabled := "0"
		if srv.clusterEnabled {
			enabled = "1"
		}
		return "# Cluster\r\ncluster_enabled:" + enabled + "\r\n"
	case "cluster":
		if strings.ToLower(args[1]) == "slots" {
			return srv.clusterSlotsReply()
		}
		return respError("ERR unknown CLUSTER subcommand")
	case "set":
		key, val := args[1], args[2]
		nx := false
		for _, opt := range args[3:] {
			if strings.EqualFold(opt, "nx") {
				nx = true
			}
		}
		if nx {
			if _, ok := srv.data[key]; ok {
				return nil
			}
		}
		srv.data[key] = val
		return status("OK")
	case "get":
		if v, ok := srv.data[args[1]]; ok {
			return v
		}
		return nil
	case "del":
		n := 0
		for _, key := range args[1:] {
			if _, ok := srv.data[key]; ok {
				delete(srv.data, key)
				n++
			}
			if _, ok := srv.lists[key]; ok {
				delete(srv.lists, key)
				n++
			}
			if _, ok := srv.hashes[key]; ok {
				delete(srv.hashes, key)
				n++
			}
		}
		return n
	case "exists":
		n := 0
		for _, key := range args[1:] {
			if _, ok := srv.data[key]; ok {
				n++
			}
		}
		return n
	case "lpush":
		key := args[1]
		for _, v := range args[2:] {
			srv.lists[key] = append([]string{v}, srv.lists[key]...)
		}
		return len(srv.lists[key])
	case "rpush":
		key := args[1]
		srv.lists[key] = append(srv.lists[key], args[2:]...)
		return len(srv.lists[key])
	case "lpop":
		key := args[1]
		if len(srv.lists[key]) == 0 {
			return nil
		}
		v := srv.lists[key][0]
		srv.lists[key] = srv.lists[key][1:]
		return v
	case "rpop":
		key := args[1]
		l := srv.lists[key]
		if len(l) == 0 {
			return nil
		}
		v := l[len(l)-1]
		srv.lists[key] = l[:len(l)-1]
		return v
	case "hset":
		key := args[1]
		if srv.hashes[key] == nil {
			srv.hashes[key] = make(map[string]string)
		}
		n := 0
		for i := 2; i+1 < len(args); i += 2 {
			if _, ok := srv.hashes[key][args[i]]; !ok {
				n++
			}
			srv.hashes[key][args[i]] = args[i+1]
		}
		return n
	case "hget":
		if v, ok := srv.hashes[args[1]][args[2]]; ok {
			return v
		}
		return nil
	case "hincrby":
		key, field := args[1], args[2]
		incr, _ := strconv.ParseInt(args[3], 10, 64)
		if srv.hashes[key] == nil {
			srv.hashes[key] = make(map[string]string)
		}
		cur, _ := strconv.ParseInt(srv.hashes[key][field], 10, 64)
		cur += incr
		srv.hashes[key][field] = strconv.FormatInt(cur, 10)
		return cur
	case "publish":
		return sc.publishLocked("message", args[1], args[2])
	case "spublish":
		return sc.publishLocked("smessage", args[1], args[2])
	case "eval":
		// The only script the client sends is compare-and-delete.
		key, token := args[3], args[4]
		if srv.data[key] == token {
			delete(srv.data, key)
			return 1
		}
		return 0
	case "flushall":
		srv.data = make(map[string]string)
		srv.lists = make(map[string][]string)
		srv.hashes = make(map[string]map[string]string)
		return status("OK")
	default:
		return respError("ERR unknown command '" + args[0] + "'")
	}
}

func (srv *testServer) clusterSlotsReply() interface{} {
	if srv.slotsReply != nil {
		return srv.slotsReply()
	}
	host, portStr, _ := net.SplitHostPort(srv.Addr())
	port, _ := strconv.Atoi(portStr)
	return []interface{}{
		[]interface{}{
			int64(srv.slotMin), int64(srv.slotMax),
			[]interface{}{host, int64(port)},
		},
	}
}

// commandKey returns the routing key of commands the fake server handles.
func commandKey(cmd string, args []string) (string, bool) {
	switch cmd {
	case "get", "set", "del", "exists", "lpush", "rpush", "lpop", "rpop",
		"hset", "hget", "hincrby":
		return args[1], true
	case "eval":
		return args[3], true
	}
	return "", false
}

func (sc *serverConn) pubsub(cmd string, names []string) {
	srv := sc.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()

	set := sc.channels
	kind := cmd
	switch cmd {
	case "psubscribe", "punsubscribe":
		set = sc.patterns
	case "ssubscribe", "sunsubscribe":
		set = sc.shardChannels
	}

	unsub := strings.Contains(cmd, "unsub")
	if unsub && len(names) == 0 {
		for name := range set {
			names = append(names, name)
		}
	}

	for _, name := range names {
		if unsub {
			delete(set, name)
		} else {
			set[name] = struct{}{}
		}
		count := len(sc.channels) + len(sc.patterns) + len(sc.shardChannels)
		sc.write([]interface{}{kind, name, count})
	}
	if unsub && len(names) == 0 {
		count := len(sc.channels) + len(sc.patterns) + len(sc.shardChannels)
		sc.write([]interface{}{kind, nil, count})
	}
}

// publishLocked delivers to every subscribed connection. Callers hold srv.mu.
func (sc *serverConn) publishLocked(kind, channel, payload string) int {
	n := 0
	for sub := range sc.srv.subs {
		if kind == "smessage" {
			if _, ok := sub.shardChannels[channel]; ok {
				sub.write([]interface{}{"smessage", channel, payload})
				n++
			}
			continue
		}
		if _, ok := sub.channels[channel]; ok {
			sub.write([]interface{}{"message", channel, payload})
			n++
		}
		for pattern := range sub.patterns {
			if ok, _ := path.Match(pattern, channel); ok {
				sub.write([]interface{}{"pmessage", pattern, channel, payload})
				n++
			}
		}
	}
	return n
}
