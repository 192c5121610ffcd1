package redwire

import (
	"context"
	"fmt"
	"strings"
)

// Client is the user-facing handle. Connect probes the seed server and
// builds either a standalone or a cluster-aware client behind the same API.
type Client struct {
	opt    *Options
	router Router

	// cluster-only
	cluster bool
	seed    *Conn
	nodes   *clusterNodes
	state   *clusterStateHolder
}

// Connect dials the seed server, runs the handshake and, when the server
// reports cluster_enabled, discovers the full topology and opens a
// connection per node.
func Connect(ctx context.Context, opt *Options) (*Client, error) {
	if opt == nil {
		opt = &Options{}
	}
	opt = opt.clone()
	opt.init()

	seed := newConn(opt, opt.Addr)
	infoReply, err := seed.Exchange(ctx, "info", "cluster")
	if err != nil {
		_ = seed.Close()
		return nil, err
	}

	c := &Client{
		opt:  opt,
		seed: seed,
	}
	if !clusterEnabled(infoReply) {
		c.router = newStandaloneRouter(seed)
		return c, nil
	}

	c.cluster = true
	c.nodes = newClusterNodes(opt)
	c.state = newClusterStateHolder(c.loadState)
	if _, err := c.state.Reload(ctx); err != nil {
		_ = seed.Close()
		_ = c.nodes.Close()
		return nil, err
	}
	c.router = newClusterRouter(c.nodes, c.state)
	return c, nil
}

func clusterEnabled(infoReply interface{}) bool {
	info, _ := infoReply.(string)
	for _, line := range strings.Split(info, "\r\n") {
		if strings.TrimSpace(line) == "cluster_enabled:1" {
			return true
		}
	}
	return false
}

// loadState fetches CLUSTER SLOTS from a live node, preferring one from the
// current snapshot and falling back to the seed.
func (c *Client) loadState(ctx context.Context) (*clusterState, error) {
	cn := c.seed
	if c.state != nil {
		if state, err := c.state.Get(); err == nil {
			if node, err := state.randomNode(); err == nil {
				cn = node.conn
			}
		}
	}

	reply, err := cn.Exchange(ctx, "cluster", "slots")
	if err != nil && cn != c.seed {
		reply, err = c.seed.Exchange(ctx, "cluster", "slots")
	}
	if err != nil {
		return nil, fmt.Errorf("redwire: topology discovery: %w", err)
	}
	return parseClusterState(c.nodes, reply)
}

// Cluster reports whether the client is talking to a cluster.
func (c *Client) Cluster() bool { return c.cluster }

// Router exposes the routing layer, mainly for pipelines and subscriptions
// that need a specific node connection.
func (c *Client) Router() Router { return c.router }

// RefreshTopology re-reads CLUSTER SLOTS and atomically swaps the slot map.
// On a standalone client it is a no-op.
func (c *Client) RefreshTopology(ctx context.Context) error {
	if !c.cluster {
		return nil
	}
	_, err := c.state.Reload(ctx)
	return err
}

// ForEachPrimary runs fn on every primary concurrently.
func (c *Client) ForEachPrimary(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	return c.router.ForEachPrimary(ctx, fn)
}

// ForEachNode runs fn on every known node, replicas included.
func (c *Client) ForEachNode(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	return c.router.ForEachNode(ctx, fn)
}

func (c *Client) Close() error {
	err := c.router.Close()
	if c.cluster {
		if seedErr := c.seed.Close(); err == nil {
			err = seedErr
		}
	}
	return err
}
