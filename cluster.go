package redwire

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redwire-go/redwire/internal"
	"github.com/redwire-go/redwire/internal/hashtag"
	"github.com/redwire-go/redwire/internal/rand"
)

//------------------------------------------------------------------------------

type clusterNode struct {
	addr    string
	conn    *Conn
	replica bool
}

func (n *clusterNode) Close() error {
	return n.conn.Close()
}

//------------------------------------------------------------------------------

// clusterNodes caches one connection per node address. A node keeps its
// connection across topology refreshes; refreshes only change which slots
// point at it.
type clusterNodes struct {
	opt *Options

	mu     sync.RWMutex
	nodes  map[string]*clusterNode
	closed bool
}

func newClusterNodes(opt *Options) *clusterNodes {
	return &clusterNodes{
		opt:   opt,
		nodes: make(map[string]*clusterNode),
	}
}

// Get returns the node for addr, creating it on first sight. The replica
// flag only matters at creation time: replica connections issue READONLY
// during their handshake.
func (c *clusterNodes) Get(addr string, replica bool) (*clusterNode, error) {
	c.mu.RLock()
	node, ok := c.nodes[addr]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return node, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if node, ok := c.nodes[addr]; ok {
		return node, nil
	}

	cn := newConn(c.opt, addr)
	cn.readOnly = replica
	node = &clusterNode{
		addr:    addr,
		conn:    cn,
		replica: replica,
	}
	c.nodes[addr] = node
	return node, nil
}

func (c *clusterNodes) All() []*clusterNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]*clusterNode, 0, len(c.nodes))
	for _, node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

func (c *clusterNodes) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, node := range c.nodes {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.nodes = nil
	return firstErr
}

//------------------------------------------------------------------------------

type clusterSlotRange struct {
	start int
	end   int
	nodes []*clusterNode // nodes[0] is the primary
}

// clusterState is an immutable snapshot of the slot map. Lookups binary
// search the ranges sorted by start slot.
type clusterState struct {
	slots     []*clusterSlotRange
	primaries []*clusterNode
	nodes     []*clusterNode
}

// parseClusterState builds a snapshot from a CLUSTER SLOTS reply: an array
// of [start, end, primary, replica...] entries where each node is
// [host, port, ...].
func parseClusterState(nodes *clusterNodes, reply interface{}) (*clusterState, error) {
	ranges, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("redwire: unexpected CLUSTER SLOTS reply type %T", reply)
	}

	state := clusterState{
		slots: make([]*clusterSlotRange, 0, len(ranges)),
	}
	seen := make(map[string]bool)

	for _, raw := range ranges {
		entry, ok := raw.([]interface{})
		if !ok || len(entry) < 3 {
			return nil, fmt.Errorf("redwire: malformed CLUSTER SLOTS entry %v", raw)
		}
		start, ok1 := entry[0].(int64)
		end, ok2 := entry[1].(int64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("redwire: malformed CLUSTER SLOTS range %v", entry)
		}

		slotNodes := make([]*clusterNode, 0, len(entry)-2)
		for i, rawNode := range entry[2:] {
			addr, err := parseSlotNode(rawNode)
			if err != nil {
				return nil, err
			}
			node, err := nodes.Get(addr, i > 0)
			if err != nil {
				return nil, err
			}
			slotNodes = append(slotNodes, node)

			if !seen[addr] {
				seen[addr] = true
				state.nodes = append(state.nodes, node)
				if i == 0 {
					state.primaries = append(state.primaries, node)
				}
			}
		}

		state.slots = append(state.slots, &clusterSlotRange{
			start: int(start),
			end:   int(end),
			nodes: slotNodes,
		})
	}

	sort.Slice(state.slots, func(i, j int) bool {
		return state.slots[i].start < state.slots[j].start
	})
	return &state, nil
}

func parseSlotNode(raw interface{}) (string, error) {
	fields, ok := raw.([]interface{})
	if !ok || len(fields) < 2 {
		return "", fmt.Errorf("redwire: malformed CLUSTER SLOTS node %v", raw)
	}
	host, ok1 := fields[0].(string)
	port, ok2 := fields[1].(int64)
	if !ok1 || !ok2 {
		return "", fmt.Errorf("redwire: malformed CLUSTER SLOTS node %v", fields)
	}
	return net.JoinHostPort(host, strconv.FormatInt(port, 10)), nil
}

func (s *clusterState) slotNodes(slot int) []*clusterNode {
	i := sort.Search(len(s.slots), func(i int) bool {
		return s.slots[i].end >= slot
	})
	if i >= len(s.slots) {
		return nil
	}
	if r := s.slots[i]; slot >= r.start && slot <= r.end {
		return r.nodes
	}
	return nil
}

func (s *clusterState) slotPrimaryNode(slot int) (*clusterNode, error) {
	nodes := s.slotNodes(slot)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("redwire: no node covers slot %d", slot)
	}
	return nodes[0], nil
}

// slotReplicaNode picks a uniformly random replica of the slot, falling back
// to the primary when the slot has none.
func (s *clusterState) slotReplicaNode(slot int) (*clusterNode, error) {
	nodes := s.slotNodes(slot)
	switch len(nodes) {
	case 0:
		return nil, fmt.Errorf("redwire: no node covers slot %d", slot)
	case 1:
		return nodes[0], nil
	default:
		return nodes[1+rand.Intn(len(nodes)-1)], nil
	}
}

func (s *clusterState) randomPrimary() (*clusterNode, error) {
	if len(s.primaries) == 0 {
		return nil, fmt.Errorf("redwire: cluster state has no primaries")
	}
	return s.primaries[rand.Intn(len(s.primaries))], nil
}

func (s *clusterState) randomNode() (*clusterNode, error) {
	if len(s.nodes) == 0 {
		return nil, fmt.Errorf("redwire: cluster state has no nodes")
	}
	return s.nodes[rand.Intn(len(s.nodes))], nil
}

//------------------------------------------------------------------------------

// clusterStateHolder republishes the current snapshot. Reload swaps it
// atomically so in-flight routing keeps the snapshot it started with.
type clusterStateHolder struct {
	load func(ctx context.Context) (*clusterState, error)

	state     atomic.Value
	reloading int32
}

func newClusterStateHolder(load func(ctx context.Context) (*clusterState, error)) *clusterStateHolder {
	return &clusterStateHolder{
		load: load,
	}
}

func (h *clusterStateHolder) Get() (*clusterState, error) {
	if state, ok := h.state.Load().(*clusterState); ok {
		return state, nil
	}
	return nil, fmt.Errorf("redwire: cluster state not loaded")
}

func (h *clusterStateHolder) Reload(ctx context.Context) (*clusterState, error) {
	state, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	h.state.Store(state)
	return state, nil
}

// LazyReload refreshes the snapshot in the background, coalescing concurrent
// requests into one refresh.
func (h *clusterStateHolder) LazyReload(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&h.reloading, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&h.reloading, 0)
		if _, err := h.Reload(context.Background()); err != nil {
			internal.Logger.Printf(ctx, "redwire: topology refresh failed: %s", err)
		}
	}()
}

//------------------------------------------------------------------------------

// slotForKeys maps a key list to its single hash slot, rejecting key lists
// that span slots. The bool reports whether the command carries keys at
// all; keyless and Wildcard commands follow the cluster-wide routing rule.
func slotForKeys(keys []string) (int, bool, error) {
	if len(keys) == 0 || (len(keys) == 1 && keys[0] == Wildcard) {
		return 0, false, nil
	}
	slot := hashtag.Slot(keys[0])
	for _, key := range keys[1:] {
		if hashtag.Slot(key) != slot {
			return 0, false, ErrCrossSlot
		}
	}
	return slot, true, nil
}
