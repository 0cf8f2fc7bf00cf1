package cluster

import (
	"context"
	"fmt"

	tt "github.com/unkn0wn-root/shardtt"
	"golang.org/x/sync/errgroup"
)

// fetch reads a snapshot of cluster index from its owner. Any failure,
// including a throttled fetch or a back-reference that does not match index,
// is reported as a miss.
func (n *Node) fetch(ctx context.Context, owner int, index uint64) (tt.Cluster, bool) {
	if n.fetchLim != nil && !n.fetchLim.Allow() {
		n.counters.throttled.Add(1)
		return tt.Cluster{}, false
	}

	id := n.nextReqID()
	req := MsgGetCluster{Base: Base{T: MTGetCluster, ID: id}, Index: index}
	var resp MsgGetClusterResp
	if err := n.call(ctx, owner, &req, id, &resp); err != nil {
		n.counters.fetchErrors.Add(1)
		n.log.Debug().Err(err).Int("owner", owner).Uint64("index", index).Msg("remote fetch failed")
		return tt.Cluster{}, false
	}
	if !resp.Found {
		n.counters.fetchErrors.Add(1)
		n.log.Warn().Int("owner", owner).Uint64("index", index).Str("err", resp.Err).Msg("remote fetch refused")
		return tt.Cluster{}, false
	}

	var c tt.Cluster
	if err := c.UnmarshalBinary(resp.Cluster); err != nil {
		n.counters.fetchErrors.Add(1)
		n.log.Warn().Err(err).Int("owner", owner).Msg("malformed cluster")
		return tt.Cluster{}, false
	}
	if c.Ref != tt.RefOf(index) {
		n.counters.refMismatches.Add(1)
		n.log.Warn().
			Int("owner", owner).
			Uint64("index", index).
			Uint16("ref", c.Ref).
			Msg("consistency check failed")
		return tt.Cluster{}, false
	}
	return c, true
}

// stage hands a modified snapshot to the write path chosen by WriteMode.
func (n *Node) stage(ctx context.Context, w pendingWrite) {
	n.counters.staged.Add(1)
	if n.cfg.WriteMode == WriteImmediate {
		n.access[w.owner].Lock()
		err := n.putBatch(ctx, w.owner, []pendingWrite{w})
		n.access[w.owner].Unlock()
		if err != nil {
			n.log.Warn().Err(err).Int("owner", w.owner).Msg("remote write dropped")
		}
		return
	}
	if full := n.wbuf.add(w); full {
		if err := n.Flush(ctx); err != nil {
			n.log.Warn().Err(err).Msg("write buffer flush incomplete")
		}
	}
}

// Flush delivers every staged write. Owners are locked in ascending rank
// order for the whole flush and each owner gets its items in one message.
// Items for an owner that cannot be reached are dropped; the other owners
// still receive theirs. The first delivery error is returned.
func (n *Node) Flush(ctx context.Context) error {
	items := n.wbuf.drain()
	if len(items) == 0 {
		return nil
	}
	groups, ranks := groupByOwner(items)

	for _, r := range ranks {
		n.access[r].Lock()
	}
	defer func() {
		for i := len(ranks) - 1; i >= 0; i-- {
			n.access[ranks[i]].Unlock()
		}
	}()

	var g errgroup.Group
	for _, r := range ranks {
		g.Go(func() error {
			if err := n.putBatch(ctx, r, groups[r]); err != nil {
				n.log.Warn().
					Err(err).
					Int("owner", r).
					Int("items", len(groups[r])).
					Msg("remote writes dropped")
				return fmt.Errorf("flush to rank %d: %w", r, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// putBatch sends items to owner in one message. The caller holds the
// owner's access lock.
func (n *Node) putBatch(ctx context.Context, owner int, items []pendingWrite) error {
	id := n.nextReqID()
	req := MsgPutClusters{
		Base:  Base{T: MTPutClusters, ID: id},
		From:  n.rank,
		Items: make([]PutItem, len(items)),
	}
	for i := range items {
		req.Items[i] = PutItem{
			Index:   items[i].index,
			Cluster: items[i].c.AppendBinary(make([]byte, 0, tt.ClusterBytes)),
			Mask:    items[i].mask,
		}
	}

	var resp MsgPutClustersResp
	if err := n.call(ctx, owner, &req, id, &resp); err != nil {
		n.counters.dropped.Add(uint64(len(items)))
		return err
	}
	n.counters.sent.Add(uint64(resp.Applied))
	if resp.Rejected > 0 {
		n.counters.dropped.Add(uint64(resp.Rejected))
		return fmt.Errorf("%w: %d of %d writes rejected", tt.ErrRefMismatch, resp.Rejected, len(items))
	}
	return nil
}
