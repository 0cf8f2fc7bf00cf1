package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	tt "github.com/unkn0wn-root/shardtt"
	"golang.org/x/time/rate"
)

// RunMerge reconciles the tables of all ranks batch by batch, cycling over
// the whole table until every rank has asked to stop. It is a collective:
// every rank must run it, and each round blocks until all ranks have
// contributed their batch to rank 0, which reduces them and returns the same
// result to everyone.
//
// Cancelling ctx does not abort the loop. It raises this rank's stop flag,
// and the loop returns nil after the first round in which any rank's flag is
// raised, so all ranks leave on the same round. An error is returned when a
// round cannot complete, for example when the ranks disagree on table size.
func (n *Node) RunMerge(ctx context.Context) error {
	if !n.merging.CompareAndSwap(false, true) {
		return ErrMergeRunning
	}
	defer n.merging.Store(false)

	var pace *rate.Limiter
	if n.cfg.MergeBatchesPerSec > 0 {
		pace = rate.NewLimiter(rate.Limit(n.cfg.MergeBatchesPerSec), 1)
	}

	total := n.store.ClusterCount()
	batch := uint64(n.cfg.MergeBatch)
	var start uint64

	for {
		stop := ctx.Err() != nil
		if !stop && pace != nil {
			if err := pace.Wait(ctx); err != nil {
				stop = true
			}
		}

		count := min(batch, total-start)
		done, err := n.mergeRound(start, count, total, stop)
		if err != nil {
			n.log.Error().Err(err).Uint64("start", start).Msg("merge round failed")
			return err
		}
		n.counters.mergeRounds.Add(1)
		if done {
			n.log.Debug().Uint64("rounds", n.counters.mergeRounds.Load()).Msg("merge stopped")
			return nil
		}

		start += count
		if start >= total {
			start = 0
			passes := n.counters.mergePasses.Add(1)
			if n.rank == 0 {
				n.log.Info().
					Uint64("pass", passes).
					Int("hashfull", n.store.Hashfull()).
					Msg("merge pass complete")
			}
		}
	}
}

func (n *Node) roundContext() (context.Context, context.CancelFunc) {
	if to := n.cfg.MergeRoundTimeout; to > 0 {
		return context.WithTimeout(n.baseCtx, to)
	}
	return context.WithCancel(n.baseCtx)
}

// mergeRound exchanges clusters [start, start+count) and writes the reduced
// result back. It reports the reduced stop flag.
func (n *Node) mergeRound(start, count, total uint64, stop bool) (bool, error) {
	round := atomic.AddUint64(&n.mergeSeq, 1)
	local := make([]tt.Cluster, count)
	usage := make([]uint32, count)
	n.store.ReadRange(start, local, usage)

	ctx, cancel := n.roundContext()
	defer cancel()

	var res roundResult
	if n.rank == 0 {
		res = n.gather.submit(ctx, contribution{
			from: 0, round: round, start: start, total: total,
			clusters: local, usage: usage, stop: stop,
		})
	} else {
		res = n.sendBatch(ctx, round, start, total, local, usage, stop)
	}
	if res.err != nil {
		return false, res.err
	}
	n.store.WriteRange(start, res.clusters, res.usage)
	// cached foreign copies of the range predate the reduction
	n.cache.invalidateRange(start, start+count)
	return res.stop, nil
}

// sendBatch ships this rank's contribution to rank 0 and waits for the
// reduced batch.
func (n *Node) sendBatch(ctx context.Context, round, start, total uint64, cs []tt.Cluster, usage []uint32, stop bool) roundResult {
	payload, cp := n.codec.compress(encodeClusters(cs))
	id := n.nextReqID()
	req := MsgMergeBatch{
		Base:    Base{T: MTMergeBatch, ID: id},
		From:    n.rank,
		Round:   round,
		Start:   start,
		Count:   len(cs),
		Total:   total,
		Stop:    stop,
		Payload: payload,
		Cp:      cp,
		Usage:   usage,
	}

	var resp MsgMergeBatchResp
	if err := n.call(ctx, 0, &req, id, &resp); err != nil {
		return roundResult{err: fmt.Errorf("merge round %d: %w", round, err)}
	}
	switch {
	case resp.Err == errSizeMismatch:
		return roundResult{err: ErrSizeMismatch}
	case resp.Err != "":
		return roundResult{err: fmt.Errorf("%w: %s", ErrBadPeer, resp.Err)}
	}

	raw, err := n.codec.decompress(resp.Payload, resp.Cp)
	if err != nil {
		return roundResult{err: fmt.Errorf("%w: %v", ErrBadPeer, err)}
	}
	out, err := decodeClusters(raw, len(cs))
	if err != nil {
		return roundResult{err: err}
	}
	if len(resp.Usage) != len(cs) {
		return roundResult{err: fmt.Errorf("%w: %d usage counters for %d clusters", ErrBadPeer, len(resp.Usage), len(cs))}
	}
	return roundResult{clusters: out, usage: resp.Usage, stop: resp.Stop}
}

// rpcMergeBatch runs on rank 0: it adds a peer's batch to the round and
// answers once every rank has contributed.
func (n *Node) rpcMergeBatch(m MsgMergeBatch) MsgMergeBatchResp {
	resp := MsgMergeBatchResp{Base: Base{T: MTMergeBatchResp, ID: m.ID}, Round: m.Round}
	if n.rank != 0 {
		resp.Err = "not the merge root"
		return resp
	}
	if m.From <= 0 || m.From >= n.world {
		resp.Err = fmt.Sprintf("bad rank %d", m.From)
		return resp
	}

	c := contribution{
		from: m.From, round: m.Round, start: m.Start, total: m.Total,
		usage: m.Usage, stop: m.Stop,
	}
	raw, err := n.codec.decompress(m.Payload, m.Cp)
	if err == nil {
		c.clusters, err = decodeClusters(raw, m.Count)
	}
	// a broken batch still counts as this rank's part, so the round fails
	// for everyone instead of waiting forever
	c.err = err

	ctx, cancel := n.roundContext()
	defer cancel()
	res := n.gather.submit(ctx, c)
	if res.err != nil {
		if errors.Is(res.err, ErrSizeMismatch) {
			resp.Err = errSizeMismatch
		} else {
			resp.Err = res.err.Error()
		}
		return resp
	}

	resp.Payload, resp.Cp = n.codec.compress(encodeClusters(res.clusters))
	resp.Usage = res.usage
	resp.Stop = res.stop
	return resp
}

type contribution struct {
	from     int
	round    uint64
	start    uint64
	total    uint64
	clusters []tt.Cluster
	usage    []uint32
	stop     bool
	err      error
}

type roundResult struct {
	clusters []tt.Cluster
	usage    []uint32
	stop     bool
	err      error
}

type roundState struct {
	start  uint64
	total  uint64
	count  int
	gen    uint8
	seen   []bool
	parts  int
	byRank [][]tt.Cluster
	usages [][]uint32
	acc    []tt.Cluster
	usage  []uint32
	stop   bool
	err    error
	done   chan struct{}
	closed bool
}

// gatherer is rank 0's side of the merge collective. Contributions for a
// round are held until all world ranks are in, then reduced in rank order
// with tt.MergeClusters and max over usage counters.
type gatherer struct {
	mu     sync.Mutex
	world  int
	gen    func() uint8
	log    zerolog.Logger
	rounds map[uint64]*roundState
}

func newGatherer(world int, gen func() uint8, log zerolog.Logger) *gatherer {
	return &gatherer{
		world:  world,
		gen:    gen,
		log:    log,
		rounds: make(map[uint64]*roundState),
	}
}

// submit adds c to its round and waits until the round completes or ctx
// ends. A round abandoned through ctx fails for every rank waiting on it.
func (g *gatherer) submit(ctx context.Context, c contribution) roundResult {
	g.mu.Lock()
	rs := g.rounds[c.round]
	if rs == nil {
		rs = &roundState{
			start:  c.start,
			total:  c.total,
			count:  len(c.clusters),
			gen:    g.gen(),
			seen:   make([]bool, g.world),
			byRank: make([][]tt.Cluster, g.world),
			usages: make([][]uint32, g.world),
			done:   make(chan struct{}),
		}
		g.rounds[c.round] = rs
	}
	if rs.seen[c.from] {
		g.mu.Unlock()
		return roundResult{err: fmt.Errorf("%w: rank %d sent round %d twice", ErrBadPeer, c.from, c.round)}
	}
	rs.seen[c.from] = true
	rs.parts++

	switch {
	case rs.err != nil:
	case c.err != nil:
		rs.err = fmt.Errorf("rank %d batch: %w", c.from, c.err)
	case c.total != rs.total:
		rs.err = fmt.Errorf("%w: rank %d has %d clusters, expected %d", ErrSizeMismatch, c.from, c.total, rs.total)
	case c.start != rs.start || len(c.clusters) != rs.count || len(c.usage) != rs.count:
		rs.err = fmt.Errorf("%w: rank %d sent [%d,+%d), expected [%d,+%d)",
			ErrSizeMismatch, c.from, c.start, len(c.clusters), rs.start, rs.count)
	default:
		rs.byRank[c.from] = c.clusters
		rs.usages[c.from] = c.usage
	}
	rs.stop = rs.stop || c.stop

	if rs.parts == g.world {
		if rs.err == nil {
			g.reduce(rs)
		}
		g.finish(c.round, rs)
	}
	g.mu.Unlock()

	select {
	case <-rs.done:
	case <-ctx.Done():
		g.mu.Lock()
		if !rs.closed {
			rs.err = fmt.Errorf("merge round %d: %w", c.round, ErrTimeout)
			g.finish(c.round, rs)
		}
		g.mu.Unlock()
	}
	if rs.err != nil {
		return roundResult{err: rs.err}
	}
	return roundResult{clusters: rs.acc, usage: rs.usage, stop: rs.stop}
}

// finish completes a round. Callers hold g.mu.
func (g *gatherer) finish(round uint64, rs *roundState) {
	if g.rounds[round] == rs {
		delete(g.rounds, round)
	}
	rs.closed = true
	close(rs.done)
}

// reduce folds every rank's batch into rs.acc, lowest rank first. A cluster
// whose back-reference does not match its index is left out.
func (g *gatherer) reduce(rs *roundState) {
	rs.acc = make([]tt.Cluster, rs.count)
	rs.usage = make([]uint32, rs.count)
	for k := range rs.acc {
		ref := tt.RefOf(rs.start + uint64(k))
		have := false
		for from, cs := range rs.byRank {
			src := &cs[k]
			if src.Ref != ref {
				g.log.Warn().
					Int("from", from).
					Uint64("index", rs.start+uint64(k)).
					Uint16("ref", src.Ref).
					Msg("consistency check failed in merge batch")
				continue
			}
			if have {
				rs.acc[k] = tt.MergeClusters(rs.gen, &rs.acc[k], src)
			} else {
				rs.acc[k], have = *src, true
			}
			rs.usage[k] = max(rs.usage[k], rs.usages[from][k])
		}
		if !have {
			rs.acc[k].Ref = ref
		}
	}
}
