package cluster

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	penaltyBase   = 2 * time.Second // first timeout → 2s
	penaltyMax    = 8 * time.Second // cap the penalty
	backoffWindow = 5 * time.Second // time window to keep growing the streak
	keepAlive     = 45 * time.Second
)

type peerConn struct {
	rank         int
	addr         string
	incarnation  string
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	mu           sync.Mutex
	pend         sync.Map // reqID -> chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	maxFrame     int
	writeTO      time.Duration
	inflightCh   chan struct{}
	penaltyUntil int64
	lastTimeout  int64
	toStreak     uint32
}

type dialOpts struct {
	self        int
	world       int
	incarnation string
	token       string
	maxFrame    int
	dialTO      time.Duration
	writeTO     time.Duration
	inflight    int
	bufSize     int
}

// dialPeer connects to the rank listening on addr, exchanges Hello to confirm
// it is the expected rank of the same world, and starts a read loop that
// dispatches responses by request ID via the pend map.
func dialPeer(rank int, addr string, o dialOpts) (*peerConn, error) {
	d := &net.Dialer{Timeout: o.dialTO, KeepAlive: keepAlive}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	pc := &peerConn{
		rank:       rank,
		addr:       addr,
		conn:       c,
		r:          bufio.NewReaderSize(c, o.bufSize),
		w:          bufio.NewWriterSize(c, o.bufSize),
		closed:     make(chan struct{}),
		maxFrame:   o.maxFrame,
		writeTO:    o.writeTO,
		inflightCh: make(chan struct{}, o.inflight),
	}
	if err := pc.hello(o); err != nil {
		_ = c.Close()
		return nil, err
	}
	// start the demultiplexing reader: one goroutine reads frames and routes
	// them to the waiting requester channel keyed by Base.ID.
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) hello(o dialOpts) error {
	if o.dialTO > 0 {
		_ = p.conn.SetDeadline(time.Now().Add(o.dialTO))
		defer p.conn.SetDeadline(time.Time{})
	}

	msg := &MsgHello{
		Base:        Base{T: MTHello, ID: uint64(time.Now().UnixNano())},
		Rank:        o.self,
		World:       o.world,
		Incarnation: o.incarnation,
		Token:       o.token,
	}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	respRaw, err := p.readFrame()
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return errors.New("bad hello resp")
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = "unauthorized"
		}
		return errors.New(hr.Err)
	}
	if hr.Rank != p.rank {
		return fmt.Errorf("%w: %s answered as rank %d, want %d", ErrBadPeer, p.addr, hr.Rank, p.rank)
	}
	p.incarnation = hr.Incarnation
	return nil
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.closed)
	})
}

func (p *peerConn) failAll() {
	// notify all pending requests that the connection failed.
	p.pend.Range(func(id, chAny any) bool {
		p.pend.Delete(id)
		if ch, ok := chAny.(chan []byte); ok {
			// close channel so request() unblocks and returns "peer closed".
			close(ch)
		}
		return true
	})
	p.close()
}

// readLoop continuously reads frames and unblocks waiters with matching IDs.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.failAll()
			return
		}
		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}
		if chAny, ok := p.pend.LoadAndDelete(base.ID); ok {
			ch := chAny.(chan []byte)
			ch <- buf
			close(ch)
		}
	}
}

func (p *peerConn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, errors.New("frame too large")
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}
	return writeFrameBuf(p.w, payload)
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// request sends msg and waits for the response carrying the same id. There is
// no timeout of its own: ctx bounds the wait, and without a deadline a
// stalled peer stalls the caller.
func (p *peerConn) request(ctx context.Context, msg any, id uint64) ([]byte, error) {
	select {
	case p.inflightCh <- struct{}{}:
	default:
		return nil, ErrInflight
	}
	defer func() { <-p.inflightCh }()

	sel, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// each request registers a one-shot channel under its ID; readLoop
	// delivers the response or the request gives up and cleans up the slot.
	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)

	select {
	case <-p.closed:
		p.pend.Delete(id)
		return nil, ErrPeerClosed
	default:
	}

	if err := p.writeFrame(sel); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-p.closed:
		// the read loop may have failed the pending set before id was added
		p.pend.Delete(id)
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
		default:
		}
		return nil, ErrPeerClosed
	case <-ctx.Done():
		p.pend.Delete(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.penalizeTimeout() // backoff on repeated timeouts
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// penalizeTimeout bumps a short penalty - repeated timeouts within backoffWindow
// grow the penalty (2s → 4s → 8s), capped by penaltyMax.
func (p *peerConn) penalizeTimeout() {
	now := time.Now()
	last := time.Unix(0, atomic.LoadInt64(&p.lastTimeout))
	var streak uint32
	if now.Sub(last) > backoffWindow {
		atomic.StoreUint32(&p.toStreak, 1)
		streak = 1
	} else {
		streak = atomic.AddUint32(&p.toStreak, 1)
	}
	atomic.StoreInt64(&p.lastTimeout, now.UnixNano())

	shift := streak - 1
	if shift > 2 {
		shift = 2
	}

	d := penaltyBase << shift
	if d > penaltyMax {
		d = penaltyMax
	}
	atomic.StoreInt64(&p.penaltyUntil, now.Add(d).UnixNano())
}

// penalized reports whether the peer is currently under penalty.
func (p *peerConn) penalized() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&p.penaltyUntil)
}
