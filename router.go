package redwire

import (
	"context"
	"sync"
)

// Router maps a command's key list to the connection that must carry it.
// Implementations exist for standalone servers and for clusters.
type Router interface {
	// Route picks the connection for a command with keys, following the
	// slot rules: Wildcard or keyless commands go cluster-wide, keyed
	// commands to their slot's primary, or to a random replica when the
	// command is a read and replica routing is requested.
	Route(keys []string, write, replica bool) (*Conn, error)

	// ForEachPrimary runs fn against every primary concurrently and
	// returns the first error.
	ForEachPrimary(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error

	// ForEachNode is ForEachPrimary over replicas too.
	ForEachNode(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error

	Close() error
}

//------------------------------------------------------------------------------

// standaloneRouter serves every slot from the single server. Cross-slot
// validation still applies so code written against it ports to a cluster.
type standaloneRouter struct {
	conn *Conn
}

func newStandaloneRouter(conn *Conn) *standaloneRouter {
	return &standaloneRouter{conn: conn}
}

func (r *standaloneRouter) Route(keys []string, write, replica bool) (*Conn, error) {
	if _, _, err := slotForKeys(keys); err != nil {
		return nil, err
	}
	return r.conn, nil
}

func (r *standaloneRouter) ForEachPrimary(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	return fn(ctx, r.conn)
}

func (r *standaloneRouter) ForEachNode(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	return fn(ctx, r.conn)
}

func (r *standaloneRouter) Close() error {
	return r.conn.Close()
}

//------------------------------------------------------------------------------

type clusterRouter struct {
	nodes *clusterNodes
	state *clusterStateHolder
}

func newClusterRouter(nodes *clusterNodes, state *clusterStateHolder) *clusterRouter {
	return &clusterRouter{
		nodes: nodes,
		state: state,
	}
}

func (r *clusterRouter) Route(keys []string, write, replica bool) (*Conn, error) {
	state, err := r.state.Get()
	if err != nil {
		return nil, err
	}

	slot, keyed, err := slotForKeys(keys)
	if err != nil {
		return nil, err
	}

	var node *clusterNode
	switch {
	case !keyed && write:
		node, err = state.randomPrimary()
	case !keyed:
		node, err = state.randomNode()
	case !write && replica:
		node, err = state.slotReplicaNode(slot)
	default:
		node, err = state.slotPrimaryNode(slot)
	}
	if err != nil {
		return nil, err
	}
	return node.conn, nil
}

func (r *clusterRouter) ForEachPrimary(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	state, err := r.state.Get()
	if err != nil {
		return err
	}
	return forEachConn(ctx, state.primaries, fn)
}

func (r *clusterRouter) ForEachNode(ctx context.Context, fn func(ctx context.Context, cn *Conn) error) error {
	state, err := r.state.Get()
	if err != nil {
		return err
	}
	return forEachConn(ctx, state.nodes, fn)
}

func (r *clusterRouter) Close() error {
	return r.nodes.Close()
}

// forEachConn fans fn out over the nodes and reports the first failure.
func forEachConn(ctx context.Context, nodes []*clusterNode, fn func(ctx context.Context, cn *Conn) error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for _, node := range nodes {
		wg.Add(1)
		go func(node *clusterNode) {
			defer wg.Done()
			if err := fn(ctx, node.conn); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(node)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
