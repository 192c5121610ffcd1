package redwire

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotsEntry(startSlot, endSlot int, addrs ...string) []interface{} {
	entry := []interface{}{int64(startSlot), int64(endSlot)}
	for _, addr := range addrs {
		host, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)
		entry = append(entry, []interface{}{host, int64(port)})
	}
	return entry
}

// newClusterPair starts two fake primaries splitting the slot space in half.
// Both announce the same two-node topology.
func newClusterPair(t *testing.T) (*testServer, *testServer) {
	t.Helper()
	a := newTestServer(t)
	b := newTestServer(t)
	a.clusterEnabled, b.clusterEnabled = true, true
	a.slotMin, a.slotMax, a.movedTo = 0, 8191, b.Addr()
	b.slotMin, b.slotMax, b.movedTo = 8192, 16383, a.Addr()
	reply := func() interface{} {
		return []interface{}{
			slotsEntry(0, 8191, a.Addr()),
			slotsEntry(8192, 16383, b.Addr()),
		}
	}
	a.slotsReply, b.slotsReply = reply, reply
	return a, b
}

func connectTest(t *testing.T, srv *testServer) *Client {
	t.Helper()
	client, err := Connect(context.Background(), testOptions(srv.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlotForKeys(t *testing.T) {
	slot, keyed, err := slotForKeys([]string{"foo"})
	require.NoError(t, err)
	assert.True(t, keyed)
	assert.Equal(t, 12182, slot)

	// Hash tags co-locate keys.
	_, _, err = slotForKeys([]string{"{user1}:a", "{user1}:b"})
	require.NoError(t, err)

	_, _, err = slotForKeys([]string{"foo", "bar"})
	require.ErrorIs(t, err, ErrCrossSlot)

	_, keyed, err = slotForKeys(nil)
	require.NoError(t, err)
	assert.False(t, keyed)

	_, keyed, err = slotForKeys([]string{Wildcard})
	require.NoError(t, err)
	assert.False(t, keyed)
}

func TestParseClusterState(t *testing.T) {
	nodes := newClusterNodes(testOptions("ignored"))
	defer nodes.Close()

	reply := []interface{}{
		slotsEntry(8192, 16383, "10.0.0.2:6379"),
		slotsEntry(0, 8191, "10.0.0.1:6379", "10.0.0.3:6379"),
	}
	state, err := parseClusterState(nodes, reply)
	require.NoError(t, err)

	assert.Len(t, state.nodes, 3)
	assert.Len(t, state.primaries, 2)

	// Ranges are sorted regardless of reply order.
	assert.Equal(t, 0, state.slots[0].start)
	assert.Equal(t, 8192, state.slots[1].start)

	low := state.slotNodes(100)
	require.Len(t, low, 2)
	assert.Equal(t, "10.0.0.1:6379", low[0].addr)
	assert.False(t, low[0].replica)
	assert.True(t, low[1].replica)

	high, err := state.slotPrimaryNode(9000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:6379", high.addr)

	// A replica pick for the replicated range never lands on the primary.
	for i := 0; i < 20; i++ {
		node, err := state.slotReplicaNode(100)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.3:6379", node.addr)
	}
	// Ranges without replicas fall back to the primary.
	node, err := state.slotReplicaNode(9000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:6379", node.addr)
}

func TestParseClusterStateMalformed(t *testing.T) {
	nodes := newClusterNodes(testOptions("ignored"))
	defer nodes.Close()

	_, err := parseClusterState(nodes, "bogus")
	require.Error(t, err)

	_, err = parseClusterState(nodes, []interface{}{
		[]interface{}{int64(0), int64(100)},
	})
	require.Error(t, err)
}

func TestClusterStateHolder(t *testing.T) {
	loads := 0
	holder := newClusterStateHolder(func(ctx context.Context) (*clusterState, error) {
		loads++
		return &clusterState{}, nil
	})

	_, err := holder.Get()
	require.Error(t, err)

	_, err = holder.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	state, err := holder.Get()
	require.NoError(t, err)
	assert.NotNil(t, state)
}

func TestStandaloneConnect(t *testing.T) {
	srv := newTestServer(t)
	client := connectTest(t, srv)
	ctx := context.Background()

	assert.False(t, client.Cluster())
	require.NoError(t, client.RefreshTopology(ctx))

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	val, err := client.Get(ctx, "k").Text()
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	_, err = client.Get(ctx, "missing").Text()
	require.ErrorIs(t, err, Nil)
}

func TestStandaloneCrossSlotRejected(t *testing.T) {
	srv := newTestServer(t)
	client := connectTest(t, srv)

	err := client.Do(context.Background(), "mset", "foo", "1", "bar", "2").Err()
	require.ErrorIs(t, err, ErrCrossSlot)

	// Tagged keys on one slot pass validation.
	err = client.Do(context.Background(), "mset", "{t}a", "1", "{t}b", "2").Err()
	require.Error(t, err) // fake server has no MSET, but routing accepted it
	assert.NotErrorIs(t, err, ErrCrossSlot)
}

func TestClusterConnectRoutesBySlot(t *testing.T) {
	a, b := newClusterPair(t)
	client := connectTest(t, a)
	ctx := context.Background()

	assert.True(t, client.Cluster())

	// "bar" (slot 5061) belongs to a, "foo" (slot 12182) to b.
	require.NoError(t, client.Set(ctx, "bar", "low", 0).Err())
	require.NoError(t, client.Set(ctx, "foo", "high", 0).Err())

	a.mu.Lock()
	_, barOnA := a.data["bar"]
	_, fooOnA := a.data["foo"]
	a.mu.Unlock()
	b.mu.Lock()
	_, fooOnB := b.data["foo"]
	b.mu.Unlock()

	assert.True(t, barOnA)
	assert.False(t, fooOnA)
	assert.True(t, fooOnB)

	val, err := client.Get(ctx, "foo").Text()
	require.NoError(t, err)
	assert.Equal(t, "high", val)
}

func TestClusterCrossSlotRejected(t *testing.T) {
	a, _ := newClusterPair(t)
	client := connectTest(t, a)

	err := client.Do(context.Background(), "mget", "foo", "bar").Err()
	require.ErrorIs(t, err, ErrCrossSlot)
}

func TestClusterFollowsMoved(t *testing.T) {
	a, b := newClusterPair(t)
	// The announced topology claims a owns everything, so keyed commands
	// all go to a first; a answers MOVED for the upper half.
	stale := func() interface{} {
		return []interface{}{slotsEntry(0, 16383, a.Addr())}
	}
	a.slotsReply, b.slotsReply = stale, stale
	client := connectTest(t, a)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "foo", "moved", 0).Err())

	b.mu.Lock()
	val := b.data["foo"]
	b.mu.Unlock()
	assert.Equal(t, "moved", val)

	val2, err := client.Get(ctx, "foo").Text()
	require.NoError(t, err)
	assert.Equal(t, "moved", val2)
}

func TestClusterRefreshTopology(t *testing.T) {
	a, b := newClusterPair(t)
	stale := func() interface{} {
		return []interface{}{slotsEntry(0, 16383, a.Addr())}
	}
	fresh := func() interface{} {
		return []interface{}{
			slotsEntry(0, 8191, a.Addr()),
			slotsEntry(8192, 16383, b.Addr()),
		}
	}
	a.slotsReply, b.slotsReply = stale, stale
	client := connectTest(t, a)
	ctx := context.Background()

	state, err := client.state.Get()
	require.NoError(t, err)
	assert.Len(t, state.primaries, 1)

	a.slotsReply, b.slotsReply = fresh, fresh
	require.NoError(t, client.RefreshTopology(ctx))

	state, err = client.state.Get()
	require.NoError(t, err)
	assert.Len(t, state.primaries, 2)

	// With the fresh map, "foo" goes straight to b.
	require.NoError(t, client.Set(ctx, "foo", "direct", 0).Err())
	a.mu.Lock()
	_, onA := a.data["foo"]
	a.mu.Unlock()
	assert.False(t, onA)
}

func TestClusterReplicaReads(t *testing.T) {
	a, b := newClusterPair(t)
	replica := newTestServer(t)
	replica.clusterEnabled = true
	replica.slotMin, replica.slotMax = 0, 8191
	topo := func() interface{} {
		return []interface{}{
			slotsEntry(0, 8191, a.Addr(), replica.Addr()),
			slotsEntry(8192, 16383, b.Addr()),
		}
	}
	a.slotsReply, b.slotsReply, replica.slotsReply = topo, topo, topo
	replica.data["bar"] = "from-replica"
	a.data["bar"] = "from-primary"

	opt := testOptions(a.Addr())
	opt.ReadOnly = true
	client, err := Connect(context.Background(), opt)
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	val, err := client.Get(ctx, "bar").Text()
	require.NoError(t, err)
	assert.Equal(t, "from-replica", val)

	// Writes still go to the primary.
	require.NoError(t, client.Set(ctx, "bar", "rewritten", 0).Err())
	a.mu.Lock()
	onPrimary := a.data["bar"]
	a.mu.Unlock()
	assert.Equal(t, "rewritten", onPrimary)
}

func TestForEachPrimary(t *testing.T) {
	a, b := newClusterPair(t)
	client := connectTest(t, a)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "bar", "1", 0).Err())
	require.NoError(t, client.Set(ctx, "foo", "2", 0).Err())

	require.NoError(t, client.FlushAll(ctx))

	a.mu.Lock()
	lenA := len(a.data)
	a.mu.Unlock()
	b.mu.Lock()
	lenB := len(b.data)
	b.mu.Unlock()
	assert.Zero(t, lenA)
	assert.Zero(t, lenB)
}

func TestClientClose(t *testing.T) {
	srv := newTestServer(t)
	client, err := Connect(context.Background(), testOptions(srv.Addr()))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	err = client.Ping(context.Background()).Err()
	require.ErrorIs(t, err, ErrClosed)
}

func TestRouteWildcardWrites(t *testing.T) {
	a, b := newClusterPair(t)
	client := connectTest(t, a)

	for i := 0; i < 10; i++ {
		cn, err := client.Router().Route([]string{Wildcard}, true, false)
		require.NoError(t, err)
		assert.Contains(t, []string{a.Addr(), b.Addr()}, cn.Addr())
	}
}

func TestRetryBackoffSpacing(t *testing.T) {
	// Not a cluster concern, but the router shares the options plumbing.
	opt := testOptions("127.0.0.1:1")
	start := time.Now()
	total := time.Duration(0)
	for i := 0; i < 3; i++ {
		total += opt.retryBackoff(i)
	}
	assert.Less(t, total, time.Second)
	assert.Less(t, time.Since(start), time.Second)
}
