package distributed

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ReduceOp combines the contributions of every replica
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
)

// Group runs collective operations over all replicas of a world. Every replica must issue
// the same sequence of calls with slices of the same length.
type Group interface {
	Rank() int
	Size() int
	// Broadcast overwrites data on every replica with rank 0's data
	Broadcast(ctx context.Context, data []float32) error
	// AllReduce replaces data on every replica with the reduction of all replicas' data
	AllReduce(ctx context.Context, data []float32, op ReduceOp) error
	Barrier(ctx context.Context) error
	Close() error
}

// NewGroup connects the replicas of w. Rank 0 listens on MASTER_PORT+1 and the others dial it.
// A world of one process gets a group whose operations do nothing.
func NewGroup(ctx context.Context, w World) (Group, error) {
	if w.WorldSize <= 1 {
		return noopGroup{}, nil
	}
	addr := net.JoinHostPort(w.MasterAddr, strconv.Itoa(w.MasterPort+1))
	if w.Rank == 0 {
		return listen(ctx, addr, w.WorldSize)
	}
	return dial(ctx, addr, w.Rank, w.WorldSize)
}

type noopGroup struct{}

func (noopGroup) Rank() int {
	return 0
}

func (noopGroup) Size() int {
	return 1
}

func (noopGroup) Broadcast(context.Context, []float32) error {
	return nil
}

func (noopGroup) AllReduce(context.Context, []float32, ReduceOp) error {
	return nil
}

func (noopGroup) Barrier(context.Context) error {
	return nil
}

func (noopGroup) Close() error {
	return nil
}

type hello struct {
	Rank int
}

type message struct {
	Seq  int
	Data []float32
}

type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (p *peer) send(m *message) error {
	return p.enc.Encode(m)
}

func (p *peer) recv(seq int) (*message, error) {
	var m message
	if err := p.dec.Decode(&m); err != nil {
		return nil, err
	}
	if m.Seq != seq {
		return nil, fmt.Errorf("collective out of sync: expected operation %d, got %d", seq, m.Seq)
	}
	return &m, nil
}

// watch interrupts blocked reads and writes on conns when ctx is done
func watch(ctx context.Context, conns ...net.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.SetDeadline(time.Now())
		}
	})
}

// rootGroup is rank 0 of a star topology
type rootGroup struct {
	mu       sync.Mutex
	size     int
	seq      int
	listener net.Listener
	peers    []*peer // indexed by rank, peers[0] is nil
}

func listen(ctx context.Context, addr string, size int) (*rootGroup, error) {
	lc := net.ListenConfig{}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	l, err := lc.Listen(ctx, "tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for replicas: %w", err)
	}
	g := &rootGroup{size: size, listener: l, peers: make([]*peer, size)}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	klog.Infof("waiting for %d replicas on %s", size-1, l.Addr())
	for joined := 1; joined < size; joined++ {
		conn, err := l.Accept()
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to accept replica: %w", errors.Join(err, ctx.Err()))
		}
		p := newPeer(conn)
		var h hello
		if err := p.dec.Decode(&h); err != nil {
			conn.Close()
			g.Close()
			return nil, fmt.Errorf("failed to read replica handshake: %w", err)
		}
		if h.Rank <= 0 || h.Rank >= size || g.peers[h.Rank] != nil {
			conn.Close()
			g.Close()
			return nil, fmt.Errorf("unexpected replica rank %d in a world of size %d", h.Rank, size)
		}
		g.peers[h.Rank] = p
		klog.V(2).Infof("replica %d joined from %s", h.Rank, conn.RemoteAddr())
	}
	return g, nil
}

func (g *rootGroup) Rank() int { return 0 }
func (g *rootGroup) Size() int { return g.size }

func (g *rootGroup) conns() []net.Conn {
	var out []net.Conn
	for _, p := range g.peers[1:] {
		out = append(out, p.conn)
	}
	return out
}

func (g *rootGroup) Broadcast(ctx context.Context, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer watch(ctx, g.conns()...)()
	g.seq++
	return g.sendAll(&message{Seq: g.seq, Data: data})
}

func (g *rootGroup) sendAll(m *message) error {
	var eg errgroup.Group
	for _, p := range g.peers[1:] {
		eg.Go(func() error {
			return p.send(m)
		})
	}
	return eg.Wait()
}

func (g *rootGroup) AllReduce(ctx context.Context, data []float32, op ReduceOp) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer watch(ctx, g.conns()...)()
	g.seq++
	contributions := make([][]float32, g.size)
	var eg errgroup.Group
	for rank := 1; rank < g.size; rank++ {
		eg.Go(func() error {
			m, err := g.peers[rank].recv(g.seq)
			if err != nil {
				return fmt.Errorf("replica %d: %w", rank, err)
			}
			if len(m.Data) != len(data) {
				return fmt.Errorf("replica %d sent %d values, expected %d", rank, len(m.Data), len(data))
			}
			contributions[rank] = m.Data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	// reduce in rank order so every run produces identical sums
	for rank := 1; rank < g.size; rank++ {
		for i, v := range contributions[rank] {
			data[i] += v
		}
	}
	if op == ReduceMean {
		for i := range data {
			data[i] /= float32(g.size)
		}
	}
	return g.sendAll(&message{Seq: g.seq, Data: data})
}

func (g *rootGroup) Barrier(ctx context.Context) error {
	return g.AllReduce(ctx, []float32{}, ReduceSum)
}

func (g *rootGroup) Close() error {
	var errs []error
	for _, p := range g.peers[1:] {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	errs = append(errs, g.listener.Close())
	return errors.Join(errs...)
}

// workerGroup is a non-zero rank connected to the root
type workerGroup struct {
	mu   sync.Mutex
	rank int
	size int
	seq  int
	root *peer
}

func dial(ctx context.Context, addr string, rank, size int) (*workerGroup, error) {
	var d net.Dialer
	backoff := 100 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := newPeer(conn)
			if err := p.enc.Encode(hello{Rank: rank}); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to send handshake: %w", err)
			}
			klog.Infof("rank %d connected to %s", rank, addr)
			return &workerGroup{rank: rank, size: size, root: p}, nil
		}
		klog.V(2).Infof("waiting for rank 0 at %s: %v", addr, err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to reach rank 0 at %s: %w", addr, errors.Join(err, ctx.Err()))
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 5*time.Second)
	}
}

func (g *workerGroup) Rank() int { return g.rank }
func (g *workerGroup) Size() int { return g.size }

func (g *workerGroup) Broadcast(ctx context.Context, data []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer watch(ctx, g.root.conn)()
	g.seq++
	return g.receiveInto(data)
}

func (g *workerGroup) receiveInto(data []float32) error {
	m, err := g.root.recv(g.seq)
	if err != nil {
		return err
	}
	if len(m.Data) != len(data) {
		return fmt.Errorf("rank 0 sent %d values, expected %d", len(m.Data), len(data))
	}
	copy(data, m.Data)
	return nil
}

func (g *workerGroup) AllReduce(ctx context.Context, data []float32, op ReduceOp) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer watch(ctx, g.root.conn)()
	g.seq++
	if err := g.root.send(&message{Seq: g.seq, Data: data}); err != nil {
		return err
	}
	return g.receiveInto(data)
}

func (g *workerGroup) Barrier(ctx context.Context) error {
	return g.AllReduce(ctx, []float32{}, ReduceSum)
}

func (g *workerGroup) Close() error {
	return g.root.conn.Close()
}
