package redwire

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pipeline accumulates commands, flushes them as per-node batches and merges
// the replies back into submission order. It is not safe for concurrent use;
// each goroutine builds its own.
type Pipeline struct {
	router  Router
	replica bool

	// filterMultiExec drops transaction scaffolding from the merged
	// replies: the MULTI reply and the QUEUED acknowledgements go, the
	// EXEC result array stays.
	filterMultiExec bool

	// batchSize, when non-zero, bounds how many commands are written to a
	// node socket before its replies are drained.
	batchSize int

	entries []*pipelineEntry
	inTx    bool

	// Transaction routing state. MULTI opens a transaction whose node is
	// unknown until the first keyed command inside it routes; the opening
	// MULTI and any keyless companions wait in txPending and are pinned to
	// that node so the whole transaction rides one socket.
	txOpen    bool
	txConn    *Conn
	txPending []*pipelineEntry
}

type pipelineEntry struct {
	cmd     *Cmd
	conn    *Conn
	ordinal int
	drop    bool
}

// Pipeline starts an empty pipeline over the client's router.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{
		router:  c.router,
		replica: c.opt.ReadOnly,
	}
}

// FilterMultiExec enables transaction scaffolding filtering for entries
// added afterwards.
func (p *Pipeline) FilterMultiExec(on bool) *Pipeline {
	p.filterMultiExec = on
	return p
}

// BatchSize chunks per-node writes to bound socket-buffer pressure.
func (p *Pipeline) BatchSize(n int) *Pipeline {
	p.batchSize = n
	return p
}

func (p *Pipeline) Len() int { return len(p.entries) }

// Add routes one command and appends it to the buffer. Routing failures,
// cross-slot keys included, surface here rather than at flush time.
func (p *Pipeline) Add(args ...interface{}) (*Cmd, error) {
	cmd := NewCmd(args...)
	write := cmd.write()

	entry := &pipelineEntry{
		cmd:     cmd,
		ordinal: len(p.entries) + 1,
	}

	name := cmd.Name()
	if name == "multi" {
		p.txOpen = true
		p.txConn = nil
	}

	if p.txOpen {
		if err := p.routeTx(entry, write); err != nil {
			return nil, err
		}
	} else {
		cn, err := p.router.Route(cmd.Keys(), write, p.replica && !write)
		if err != nil {
			return nil, err
		}
		entry.conn = cn
	}

	if name == "exec" || name == "discard" {
		p.txOpen = false
		p.txConn = nil
	}

	if p.filterMultiExec {
		switch name {
		case "multi":
			entry.drop = true
			p.inTx = true
		case "exec":
			p.inTx = false
		case "discard":
			entry.drop = true
			p.inTx = false
		default:
			entry.drop = p.inTx
		}
	}
	p.entries = append(p.entries, entry)
	return cmd, nil
}

// routeTx assigns a transaction entry to the transaction's node. Entries
// added before any key is seen, MULTI itself included, wait in txPending;
// the first keyed command fixes the node and back-pins them, and everything
// after that, EXEC included, shares its connection.
func (p *Pipeline) routeTx(entry *pipelineEntry, write bool) error {
	_, keyed, err := slotForKeys(entry.cmd.Keys())
	if err != nil {
		return err
	}

	if p.txConn != nil {
		entry.conn = p.txConn
		return nil
	}
	if !keyed {
		p.txPending = append(p.txPending, entry)
		return nil
	}

	cn, err := p.router.Route(entry.cmd.Keys(), write, false)
	if err != nil {
		return err
	}
	p.txConn = cn
	entry.conn = cn
	for _, pending := range p.txPending {
		pending.conn = cn
	}
	p.txPending = p.txPending[:0]
	return nil
}

// Flush writes every buffered command, gathers the replies and returns the
// retained ones in submission order. Per-node batches run in parallel;
// within a node replies are read in issue order. Server error replies
// appear in the result as error values; transport failures abort the flush.
func (p *Pipeline) Flush(ctx context.Context) ([]interface{}, error) {
	entries := p.entries
	p.entries = nil
	p.inTx = false
	p.txOpen = false
	p.txConn = nil
	p.txPending = nil
	if len(entries) == 0 {
		return nil, nil
	}

	// A transaction that closed without ever routing a key has no node;
	// any primary serves it.
	var fallback *Conn
	for _, entry := range entries {
		if entry.conn != nil {
			continue
		}
		if fallback == nil {
			cn, err := p.router.Route(nil, true, false)
			if err != nil {
				return nil, err
			}
			fallback = cn
		}
		entry.conn = fallback
	}

	byConn := make(map[*Conn][]*pipelineEntry)
	order := make([]*Conn, 0, 2)
	for _, entry := range entries {
		if _, ok := byConn[entry.conn]; !ok {
			order = append(order, entry.conn)
		}
		byConn[entry.conn] = append(byConn[entry.conn], entry)
	}

	// No socket is written while any target carries a subscription.
	for _, cn := range order {
		if atomic.LoadInt32(&cn.subscribed) == 1 {
			return nil, ErrSubscribed
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for _, cn := range order {
		wg.Add(1)
		go func(cn *Conn, batch []*pipelineEntry) {
			defer wg.Done()
			if err := p.flushConn(ctx, cn, batch); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(cn, byConn[cn])
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	// Entries are already ordinal-sorted; submission order falls out of a
	// single pass with the dropped ones skipped.
	replies := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		if entry.drop {
			continue
		}
		if entry.cmd.Err() != nil {
			replies = append(replies, entry.cmd.Err())
			continue
		}
		replies = append(replies, entry.cmd.Val())
	}
	return replies, nil
}

// flushConn runs one node's batch under its connection mutex: write the
// chunk, then read exactly that many replies back in issue order.
func (p *Pipeline) flushConn(ctx context.Context, cn *Conn, batch []*pipelineEntry) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if atomic.LoadInt32(&cn.subscribed) == 1 {
		return ErrSubscribed
	}
	if err := cn.ensureLive(ctx); err != nil {
		return err
	}
	cn.rd.Discard()

	chunk := len(batch)
	if p.batchSize > 0 && p.batchSize < chunk {
		chunk = p.batchSize
	}

	for start := 0; start < len(batch); start += chunk {
		end := start + chunk
		if end > len(batch) {
			end = len(batch)
		}

		for _, entry := range batch[start:end] {
			if err := cn.writeArgs(ctx, entry.cmd.Args()); err != nil {
				cn.markBroken()
				return err
			}
		}
		for _, entry := range batch[start:end] {
			reply, err := cn.readReply(ctx)
			if err != nil {
				if !isRedisError(err) {
					cn.markBroken()
					return err
				}
				entry.cmd.SetErr(err)
				continue
			}
			entry.cmd.SetVal(reply)
		}
	}
	return nil
}
