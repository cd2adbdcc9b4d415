// Package offload is the client side of the compute offload protocol: a
// channel that sends named operations to a worker process and waits for
// their results.
package offload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/pocket-bench/pocket/pkg/offload/element"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/packet"
	"github.com/pocket-bench/pocket/pkg/serializer"
	"github.com/pocket-bench/pocket/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State of a channel.
type State int32

const (
	Unattached State = iota
	Attached
	Detached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a channel.
type Options struct {
	// Network is transport.NetworkUnix or transport.NetworkUDP.
	Network string
	// Address of the worker socket.
	Address string
	// LocalAddress to bind for replies. Empty picks a private socket file
	// (unixgram) or an ephemeral port (udp).
	LocalAddress string
	// Timeout bounds each dispatch.
	Timeout time.Duration
	// DetachTimeout bounds how long Detach waits for in-flight dispatches.
	DetachTimeout time.Duration
	// Serializer names the request encoding ("proto" or "capnp").
	Serializer string
	// Elements intercept every dispatch.
	Elements []element.Element
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		Network:       transport.NetworkUnix,
		Address:       "/tmp/pocket-worker.sock",
		Timeout:       30 * time.Second,
		DetachTimeout: 2 * time.Second,
		Serializer:    "proto",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Network == "" {
		o.Network = def.Network
	}
	if o.Address == "" {
		o.Address = def.Address
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.DetachTimeout < 0 {
		o.DetachTimeout = 0
	}
	if o.Serializer == "" {
		o.Serializer = def.Serializer
	}
	return o
}

var clientSeq atomic.Uint64

func (o Options) localAddress() string {
	if o.LocalAddress != "" {
		return o.LocalAddress
	}
	if o.Network == transport.NetworkUnix {
		name := fmt.Sprintf("%s.client-%d-%d", filepath.Base(o.Address), os.Getpid(), clientSeq.Add(1))
		return filepath.Join(filepath.Dir(o.Address), name)
	}
	return ":0"
}

// Channel multiplexes dispatches over one transport. Each dispatch gets a
// sequence number that doubles as the packet RPC ID, and the receive loop
// routes every response to the dispatch waiting on it.
type Channel struct {
	transport *transport.Transport
	remote    net.Addr
	ser       serializer.Serializer
	chain     *element.Chain
	opts      Options

	nextSeq atomic.Uint64
	state   atomic.Int32

	mu        sync.Mutex
	pending   map[uint64]chan *transport.Message
	inflight  sync.WaitGroup
	inflightN atomic.Int64

	done       chan struct{}
	detachOnce sync.Once
	detachErr  error

	recvDone chan struct{}
	broken   chan struct{}
	recvErr  error
}

// Attach binds a local socket and connects it to the worker at opts.Address.
func Attach(opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	remote, err := transport.ResolveAddr(opts.Network, opts.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving worker address: %w", ErrTransport, err)
	}
	t, err := transport.Listen(opts.Network, opts.localAddress())
	if err != nil {
		return nil, fmt.Errorf("%w: binding client socket: %w", ErrTransport, err)
	}
	ch, err := NewChannel(t, remote, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	logging.Info("Offload channel attached",
		zap.String("network", opts.Network),
		zap.String("worker", remote.String()),
		zap.String("local", t.LocalAddr().String()),
		zap.String("serializer", opts.Serializer))
	return ch, nil
}

// NewChannel runs a channel over an existing transport. The channel owns t
// and closes it on Detach.
func NewChannel(t *transport.Transport, remote net.Addr, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	ser, err := serializer.ByName(opts.Serializer)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		transport: t,
		remote:    remote,
		ser:       ser,
		chain:     element.NewChain(opts.Elements...),
		opts:      opts,
		pending:   make(map[uint64]chan *transport.Message),
		done:      make(chan struct{}),
		recvDone:  make(chan struct{}),
		broken:    make(chan struct{}),
	}
	c.state.Store(int32(Attached))
	go c.receiveLoop()
	return c, nil
}

// State reports the lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// LocalAddr is the address the worker replies to.
func (c *Channel) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

func (c *Channel) receiveLoop() {
	defer close(c.recvDone)
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			if errors.Is(err, transport.ErrMalformedPacket) {
				logging.Warn("Dropping packet", zap.Error(err))
				continue
			}
			c.recvErr = err
			close(c.broken)
			logging.Error("Offload receive loop stopped", zap.Error(err))
			return
		}
		if msg == nil {
			continue
		}

		c.mu.Lock()
		waiter, ok := c.pending[msg.RPCID]
		if ok {
			delete(c.pending, msg.RPCID)
		}
		c.mu.Unlock()

		if !ok {
			metrics.LateResponses.Inc()
			logging.Debug("Discarding response with no pending dispatch",
				zap.Uint64("rpcID", msg.RPCID),
				zap.String("type", msg.Type.Name))
			continue
		}
		waiter <- msg
	}
}

// Dispatch sends op with operands to the worker and blocks until the
// response arrives, the channel timeout elapses, ctx is done or the channel
// is detached. Failures are not retried.
//
// How an absent worker surfaces depends on the network. Over unixgram a
// missing worker socket fails the send at once with ErrTransport. A worker
// that exists but never answers, or any silent peer over udp, ends in
// ErrTimeout once the channel timeout elapses.
func (c *Channel) Dispatch(ctx context.Context, op string, operands ...*operand.Operand) (*serializer.Response, error) {
	c.mu.Lock()
	if c.State() != Attached {
		c.mu.Unlock()
		metrics.DispatchErrors.WithLabelValues(op, errorKind(ErrChannelClosed)).Inc()
		return nil, ErrChannelClosed
	}
	c.inflight.Add(1)
	c.inflightN.Add(1)
	seq := c.nextSeq.Add(1)
	waiter := make(chan *transport.Message, 1)
	c.pending[seq] = waiter
	c.mu.Unlock()

	defer func() {
		c.inflightN.Add(-1)
		c.inflight.Done()
	}()
	defer c.forget(seq)

	start := time.Now()
	var result *serializer.Response
	req, err := c.chain.ProcessRequest(ctx, &element.Request{Seq: seq, Op: op, Operands: operands})
	if err == nil {
		result, err = c.roundTrip(ctx, seq, req, waiter)
	}

	resp, chainErr := c.chain.ProcessResponse(ctx, &element.Response{
		Seq:     seq,
		Op:      op,
		Result:  result,
		Error:   err,
		Kind:    errorKind(err),
		Elapsed: time.Since(start),
	})
	if chainErr != nil {
		return nil, chainErr
	}
	return resp.Result, resp.Error
}

func (c *Channel) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Channel) roundTrip(ctx context.Context, seq uint64, req *element.Request, waiter <-chan *transport.Message) (*serializer.Response, error) {
	data, err := c.ser.Marshal(&serializer.Request{Seq: seq, Op: req.Op, Operands: req.Operands})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.transport.Send(c.remote, seq, c.ser.ID(), data, packet.PacketTypeRequest); err != nil {
		return nil, fmt.Errorf("%w: sending %s (seq %d): %w", ErrTransport, req.Op, seq, err)
	}

	select {
	case msg := <-waiter:
		return c.decode(req.Op, seq, msg)
	case <-tctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s (seq %d) got no response", ErrTimeout, req.Op, seq)
	case <-c.done:
		select {
		case msg := <-waiter:
			return c.decode(req.Op, seq, msg)
		default:
		}
		return nil, ErrChannelClosed
	case <-c.broken:
		return nil, fmt.Errorf("%w: %w", ErrTransport, c.recvErr)
	}
}

func (c *Channel) decode(op string, seq uint64, msg *transport.Message) (*serializer.Response, error) {
	switch msg.Type {
	case packet.PacketTypeError:
		return nil, &RemoteError{Op: op, Seq: seq, Message: string(msg.Data)}
	case packet.PacketTypeResponse:
	default:
		return nil, fmt.Errorf("%w: unexpected %s packet for seq %d", ErrTransport, msg.Type.Name, seq)
	}

	ser, err := serializer.ByID(msg.SerializerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	var resp serializer.Response
	if err := ser.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %w", ErrTransport, op, err)
	}
	if resp.Status != serializer.StatusOK {
		return nil, &RemoteError{Op: op, Seq: seq, Message: resp.Message}
	}
	return &resp, nil
}

// Detach stops new dispatches, waits up to DetachTimeout for in-flight ones,
// fails whatever is still waiting with ErrChannelClosed and closes the
// transport. Calls after the first return nil and do nothing.
func (c *Channel) Detach() error {
	first := false
	c.detachOnce.Do(func() {
		first = true
		c.detachErr = c.detach()
	})
	if !first {
		return nil
	}
	return c.detachErr
}

func (c *Channel) detach() error {
	c.mu.Lock()
	c.state.Store(int32(Detached))
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.opts.DetachTimeout):
		logging.Warn("Abandoning in-flight dispatches on detach",
			zap.Int64("inflight", c.inflightN.Load()),
			zap.Duration("waited", c.opts.DetachTimeout))
	}
	close(c.done)

	err := c.transport.Close()
	<-c.recvDone
	select {
	case <-c.broken:
		err = multierr.Append(err, c.recvErr)
	default:
	}

	logging.Info("Offload channel detached", zap.String("worker", c.remote.String()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// MatMulTest asks the worker to multiply two random n×n matrices and returns
// the checksum of the product.
func (c *Channel) MatMulTest(ctx context.Context, n int) (float32, error) {
	resp, err := c.Dispatch(ctx, "matmultest", operand.Scalar(int64(n)))
	if err != nil {
		return 0, err
	}
	if len(resp.Results) != 1 {
		return 0, fmt.Errorf("matmultest returned %d results", len(resp.Results))
	}
	sum, err := resp.Results[0].Float32s()
	if err != nil {
		return 0, fmt.Errorf("matmultest checksum: %w", err)
	}
	if len(sum) != 1 {
		return 0, fmt.Errorf("matmultest checksum has %d values", len(sum))
	}
	return sum[0], nil
}
