package cluster

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	tt "github.com/unkn0wn-root/shardtt"
	"golang.org/x/time/rate"
)

const (
	errUnauthorized  = "unauthorized"
	errSizeMismatch  = "size mismatch"
	errWorldMismatch = "world size mismatch"
)

// inbound frames range from a 20-byte get to a full merge batch.
var readBufPool = newFramePool(64, 1<<20)

// Node is one rank of the distributed table. It owns the local store, the
// connections to the other ranks and the remote read and write paths. All
// process-wide table state lives here.
type Node struct {
	cfg         Config
	log         zerolog.Logger
	store       *tt.Store
	router      Router
	rank        int
	world       int
	incarnation string
	codec       *payloadCodec

	ln       net.Listener
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	peersMu  sync.RWMutex
	peers    map[int]*peerConn
	access   []sync.Mutex // origin-side per-rank locks held across a flush
	cache    *readCache
	wbuf     *writeBuffer
	fetchLim *rate.Limiter

	gather    *gatherer
	merging   atomic.Bool
	mergeSeq  uint64
	reqID     uint64
	counters  counters
	baseCtx   context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	stopOnce  sync.Once
	serveOnce sync.Once
}

// NewNode allocates the local table and prepares an unstarted node. Call
// Start or Serve before any remote traffic.
func NewNode(cfg Config) (*Node, error) {
	cfg.FillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, err := tt.New(cfg.HashMB)
	if err != nil {
		return nil, err
	}
	codec, err := newPayloadCodec(cfg.Sec.CompressionThreshold, cfg.Sec.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	world := cfg.WorldSize()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:         cfg,
		store:       store,
		router:      cfg.Router,
		rank:        cfg.Rank,
		world:       world,
		incarnation: uuid.NewString(),
		codec:       codec,
		conns:       make(map[net.Conn]struct{}),
		peers:       make(map[int]*peerConn),
		access:      make([]sync.Mutex, world),
		cache:       newReadCache(cfg.ReadCacheSets, cfg.ReadCacheWays, indexBits(store)),
		wbuf:        newWriteBuffer(cfg.WriteBufferSize, cfg.WriteDrop),
		baseCtx:     ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
	}
	n.log = cfg.Logger.With().
		Int("rank", n.rank).
		Int("world", world).
		Str("incarnation", n.incarnation).
		Logger()
	n.gather = newGatherer(world, n.store.Generation, n.log)
	if cfg.FetchQPS > 0 {
		n.fetchLim = rate.NewLimiter(rate.Limit(cfg.FetchQPS), cfg.FetchQPS)
	}

	n.log.Info().
		Int("hash_mb", cfg.HashMB).
		Uint64("clusters", store.ClusterCount()).
		Stringer("mode", cfg.Mode).
		Msg("table allocated")
	return n, nil
}

// Start listens on BindAddr and serves peers in the background.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		return err
	}
	n.Serve(ln)
	return nil
}

// Serve accepts peers on an existing listener. Only the first call has any
// effect.
func (n *Node) Serve(ln net.Listener) {
	n.serveOnce.Do(func() {
		n.ln = ln
		n.log.Debug().Str("addr", ln.Addr().String()).Msg("serving peers")
		go n.acceptLoop(ln)
	})
}

// Addr returns the listening address, or nil before Start.
func (n *Node) Addr() net.Addr {
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Stop flushes staged writes within ShutdownFlush, then closes the listener
// and every peer connection. It is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownFlush)
		if err := n.Flush(ctx); err != nil {
			n.log.Warn().Err(err).Msg("final flush incomplete")
		}
		cancel()

		close(n.stop)
		n.cancel()
		if n.ln != nil {
			_ = n.ln.Close()
		}
		n.connMu.Lock()
		for c := range n.conns {
			_ = c.Close()
		}
		n.connMu.Unlock()
		n.closePeers()
		n.codec.close()
	})
}

// Rank returns this node's rank.
func (n *Node) Rank() int { return n.rank }

// World returns the number of ranks.
func (n *Node) World() int { return n.world }

// Store exposes the local table.
func (n *Node) Store() *tt.Store { return n.store }

// Resize reallocates the local table. It must be called on every rank with
// the same size while no search is running.
func (n *Node) Resize(mb int) error {
	if err := n.store.Resize(mb); err != nil {
		return err
	}
	n.cfg.HashMB = mb
	n.cache.reset(indexBits(n.store))
	return nil
}

// indexBits is the number of low key bits that select a cluster in s.
func indexBits(s *tt.Store) uint {
	return uint(bits.TrailingZeros64(s.ClusterCount()))
}

// Clear zero-fills the local table and drops every cached remote cluster.
func (n *Node) Clear() {
	n.store.Clear()
	n.cache.invalidate()
}

// NewSearch advances the generation and returns it.
func (n *Node) NewSearch() uint8 {
	if n.cfg.ReadCacheFlushOnNewSearch {
		n.cache.invalidate()
	}
	return n.store.NewSearch()
}

// Generation returns the current generation.
func (n *Node) Generation() uint8 { return n.store.Generation() }

// Hashfull estimates occupancy of the local table in permille.
func (n *Node) Hashfull() int { return n.store.Hashfull() }

func (n *Node) nextReqID() uint64 {
	return atomic.AddUint64(&n.reqID, 1)
}

// closePeers closes and clears all cached peer connections.
func (n *Node) closePeers() {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	for _, p := range n.peers {
		p.close()
	}
	n.peers = make(map[int]*peerConn)
}

// acceptLoop accepts inbound TCP connections and hands each to serveConn.
func (n *Node) acceptLoop(ln net.Listener) {
	tune := func(tc *net.TCPConn) {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlive)
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tune(tc)
		}
		go n.serveConn(c)
	}
}

// readFrom reads one length-prefixed frame into a pooled buffer.
func (n *Node) readFrom(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	nbytes := int(binary.BigEndian.Uint32(hdr[:]))
	if n.cfg.Sec.MaxFrameSize > 0 && nbytes > n.cfg.Sec.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes over limit", nbytes)
	}

	buf := readBufPool.get(nbytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		readBufPool.put(buf)
		return nil, err
	}
	return buf, nil
}

// accept runs the server half of Hello: the peer must present the shared
// token, a rank inside this world other than ours, and the same world size.
func (n *Node) accept(r *bufio.Reader, w *bufio.Writer, c net.Conn) (int, bool) {
	if rt := n.cfg.Sec.ReadTimeout; rt > 0 {
		_ = c.SetReadDeadline(time.Now().Add(rt))
	}
	buf, err := n.readFrom(r)
	if err != nil {
		return 0, false
	}
	var h MsgHello
	err = cborDec.Unmarshal(buf, &h)
	readBufPool.put(buf)
	if err != nil || h.T != MTHello {
		return 0, false
	}

	ack := MsgHelloResp{
		Base:        Base{T: MTHelloResp, ID: h.ID},
		OK:          true,
		Rank:        n.rank,
		Incarnation: n.incarnation,
	}
	switch {
	case n.cfg.Sec.AuthToken != "" && h.Token != n.cfg.Sec.AuthToken:
		ack.OK, ack.Err = false, errUnauthorized
	case h.World != n.world:
		ack.OK, ack.Err = false, errWorldMismatch
	case h.Rank < 0 || h.Rank >= n.world || h.Rank == n.rank:
		ack.OK, ack.Err = false, fmt.Sprintf("bad rank %d", h.Rank)
	}

	raw, _ := cborEnc.Marshal(&ack)
	if wt := n.cfg.Sec.WriteTimeout; wt > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(wt))
	}
	if err := writeFrameBuf(w, raw); err != nil || !ack.OK {
		if !ack.OK {
			n.log.Warn().
				Str("remote", c.RemoteAddr().String()).
				Int("peer_rank", h.Rank).
				Str("reason", ack.Err).
				Msg("peer rejected")
		}
		return 0, false
	}

	n.log.Debug().
		Int("peer_rank", h.Rank).
		Str("peer_incarnation", h.Incarnation).
		Msg("peer connected")
	return h.Rank, true
}

// serveConn handles one inbound connection: Hello, then a per-connection
// worker pool that decodes frames and dispatches RPCs. Responses are
// CBOR-encoded and written with per-connection serialization.
func (n *Node) serveConn(c net.Conn) {
	n.connMu.Lock()
	select {
	case <-n.stop:
		n.connMu.Unlock()
		_ = c.Close()
		return
	default:
	}
	n.conns[c] = struct{}{}
	n.connMu.Unlock()
	defer func() {
		n.connMu.Lock()
		delete(n.conns, c)
		n.connMu.Unlock()
		_ = c.Close()
	}()

	r := bufio.NewReaderSize(c, n.cfg.Sec.ReadBufSize)
	w := bufio.NewWriterSize(c, n.cfg.Sec.WriteBufSize)

	peer, ok := n.accept(r, w, c)
	if !ok {
		return
	}

	// Per-connection worker pool - incoming frames are queued and processed
	// up to PerConnWorkers with backpressure on the channel.
	jobQ := make(chan []byte, n.cfg.PerConnQueue)
	defer close(jobQ)

	var writeMu sync.Mutex
	writeResp := func(payload []byte) {
		if payload == nil {
			return
		}
		writeMu.Lock()
		if wt := n.cfg.Sec.WriteTimeout; wt > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(wt))
		}
		_ = writeFrameBuf(w, payload)
		writeMu.Unlock()
	}

	// workers: decode → handle → encode → write → recycle buf
	for i := 0; i < n.cfg.PerConnWorkers; i++ {
		go func() {
			for buf := range jobQ {
				var base Base
				if err := cborDec.Unmarshal(buf, &base); err != nil {
					readBufPool.put(buf)
					continue
				}

				send := func(v any) {
					out, _ := cborEnc.Marshal(v)
					writeResp(out)
				}

				switch base.T {
				case MTGetCluster:
					var g MsgGetCluster
					if cborDec.Unmarshal(buf, &g) == nil {
						send(n.rpcGetCluster(g))
					}
				case MTPutClusters:
					var p MsgPutClusters
					if cborDec.Unmarshal(buf, &p) == nil {
						send(n.rpcPutClusters(p))
					}
				case MTMergeBatch:
					var m MsgMergeBatch
					if cborDec.Unmarshal(buf, &m) == nil {
						send(n.rpcMergeBatch(m))
					}
				default:
					n.log.Debug().Int("peer_rank", peer).Uint8("type", uint8(base.T)).Msg("unknown message")
				}
				readBufPool.put(buf)
			}
		}()
	}

	idle := n.cfg.Sec.IdleTimeout
	for {
		if idle > 0 {
			_ = c.SetReadDeadline(time.Now().Add(idle)) // waiting for next frame
		} else {
			_ = c.SetReadDeadline(time.Time{})
		}

		buf, err := n.readFrom(r)
		if err != nil {
			return
		}

		// backpressure: enqueue for workers (blocks when saturated so TCP
		// naturally applies flow control to the peer).
		jobQ <- buf
	}
}

// rpcGetCluster serves a snapshot of one local cluster under the shared
// window.
func (n *Node) rpcGetCluster(g MsgGetCluster) MsgGetClusterResp {
	resp := MsgGetClusterResp{Base: Base{T: MTGetClusterResp, ID: g.ID}}
	c, usage, err := n.store.Snapshot(g.Index)
	if err != nil {
		resp.Err = err.Error()
		return resp
	}
	resp.Found = true
	resp.Cluster = c.AppendBinary(make([]byte, 0, tt.ClusterBytes))
	resp.Usage = usage
	return resp
}

// rpcPutClusters applies a batch of remote writes in one hold of the shared
// window. Items with a bad index or back-reference are rejected one by one.
func (n *Node) rpcPutClusters(p MsgPutClusters) MsgPutClustersResp {
	resp := MsgPutClustersResp{Base: Base{T: MTPutClustersResp, ID: p.ID}}

	idx := make([]uint64, 0, len(p.Items))
	cs := make([]tt.Cluster, 0, len(p.Items))
	masks := make([]uint8, 0, len(p.Items))
	for _, it := range p.Items {
		var c tt.Cluster
		if err := c.UnmarshalBinary(it.Cluster); err != nil {
			resp.Rejected++
			continue
		}
		idx = append(idx, it.Index)
		cs = append(cs, c)
		masks = append(masks, it.Mask)
	}

	rejected := n.store.ApplyBatch(idx, cs, masks)
	resp.Rejected += rejected
	resp.Applied = len(idx) - rejected
	resp.OK = resp.Rejected == 0
	if resp.Rejected > 0 {
		n.counters.rejected.Add(uint64(resp.Rejected))
		n.log.Warn().
			Int("from", p.From).
			Int("rejected", resp.Rejected).
			Msg("consistency check failed on remote write")
	}
	return resp
}

// ensurePeer returns the cached connection to rank or dials a new one.
func (n *Node) ensurePeer(rank int) (*peerConn, error) {
	if rank < 0 || rank >= n.world || rank == n.rank {
		return nil, fmt.Errorf("%w: no peer for rank %d", ErrBadConfig, rank)
	}
	n.peersMu.RLock()
	p := n.peers[rank]
	n.peersMu.RUnlock()
	if p != nil {
		return p, nil
	}

	select {
	case <-n.stop:
		return nil, ErrClosed
	default:
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if p = n.peers[rank]; p != nil {
		return p, nil
	}

	pc, err := dialPeer(rank, n.cfg.Peers[rank], dialOpts{
		self:        n.rank,
		world:       n.world,
		incarnation: n.incarnation,
		token:       n.cfg.Sec.AuthToken,
		maxFrame:    n.cfg.Sec.MaxFrameSize,
		dialTO:      n.cfg.Sec.ReadTimeout,
		writeTO:     n.cfg.Sec.WriteTimeout,
		inflight:    n.cfg.Sec.MaxInflightPerPeer,
		bufSize:     n.cfg.Sec.ReadBufSize,
	})
	if err != nil {
		return nil, err
	}

	n.log.Debug().
		Int("peer_rank", rank).
		Str("peer_incarnation", pc.incarnation).
		Msg("dialed peer")
	n.peers[rank] = pc
	return pc, nil
}

// resetPeer closes and removes a cached peer connection for rank.
func (n *Node) resetPeer(rank int, p *peerConn) {
	n.peersMu.Lock()
	if cur, ok := n.peers[rank]; ok && cur == p {
		cur.close()
		delete(n.peers, rank)
	}
	n.peersMu.Unlock()
}

// call sends msg to rank and decodes the response into out. Fatal transport
// errors drop the cached connection so the next call redials.
func (n *Node) call(ctx context.Context, rank int, msg any, id uint64, out any) error {
	p, err := n.ensurePeer(rank)
	if err != nil {
		return err
	}
	if p.penalized() {
		return ErrTimeout
	}
	raw, err := p.request(ctx, msg, id)
	if err != nil {
		if isFatalTransport(err) {
			n.resetPeer(rank, p)
		}
		return err
	}
	if err := cborDec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeer, err)
	}
	return nil
}
