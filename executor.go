package redwire

// The executor ties routing to the wire: route the command, run one
// request/reply exchange on the chosen connection, and follow cluster
// redirections. The per-connection work (residual drain, ensure-live,
// write, read, error classification) lives in Conn.Exchange.

import (
	"context"
)

// Do routes and executes a raw command. The returned Cmd carries either the
// decoded reply or the error.
func (c *Client) Do(ctx context.Context, args ...interface{}) *Cmd {
	cmd := NewCmd(args...)
	_ = c.process(ctx, cmd)
	return cmd
}

func (c *Client) process(ctx context.Context, cmd *Cmd) error {
	write := cmd.write()
	cn, err := c.router.Route(cmd.Keys(), write, c.opt.ReadOnly && !write)
	if err != nil {
		cmd.SetErr(err)
		return err
	}

	var ask bool
	for attempt := 0; ; attempt++ {
		if ask {
			if _, err := cn.Exchange(ctx, "asking"); err != nil {
				cmd.SetErr(err)
				return err
			}
		}

		reply, err := cn.Exchange(ctx, cmd.Args()...)
		if err == nil {
			cmd.SetVal(reply)
			return nil
		}

		if c.cluster && attempt < c.opt.MaxRedirects {
			moved, askRedirect, addr := isMovedError(err)
			if moved || askRedirect {
				if moved {
					// The slot map is stale; refresh it off the hot
					// path while this command follows the redirect.
					c.state.LazyReload(ctx)
				}
				node, nodeErr := c.nodes.Get(addr, false)
				if nodeErr != nil {
					cmd.SetErr(nodeErr)
					return nodeErr
				}
				cn = node.conn
				ask = askRedirect
				continue
			}
		}

		cmd.SetErr(err)
		return err
	}
}
