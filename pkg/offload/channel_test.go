package offload

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/pocket-bench/pocket/pkg/offload/element"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/packet"
	"github.com/pocket-bench/pocket/pkg/transport"
	"github.com/pocket-bench/pocket/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// --- Test Helpers ---

func serve(t *testing.T, srv *worker.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})
}

// startWorker runs a worker on a unixgram socket and returns its path.
func startWorker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sock")
	srv, err := worker.Listen(transport.NetworkUnix, path, compute.Builtins())
	require.NoError(t, err)
	serve(t, srv)
	return path
}

func attach(t *testing.T, opts Options) *Channel {
	t.Helper()
	ch, err := Attach(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Detach() })
	return ch
}

// silentUDP is a bound socket nobody reads from.
func silentUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type countingConn struct {
	net.PacketConn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.PacketConn.Close()
}

type seqRecorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *seqRecorder) Name() string { return "seq-recorder" }

func (r *seqRecorder) ProcessRequest(_ context.Context, req *element.Request) (*element.Request, error) {
	r.mu.Lock()
	r.seqs = append(r.seqs, req.Seq)
	r.mu.Unlock()
	return req, nil
}

func (r *seqRecorder) ProcessResponse(_ context.Context, resp *element.Response) (*element.Response, error) {
	return resp, nil
}

// --- Tests ---

func TestDispatch_MatMul(t *testing.T) {
	addr := startWorker(t)

	for _, codec := range []string{"proto", "capnp"} {
		t.Run(codec, func(t *testing.T) {
			ch := attach(t, Options{Address: addr, Serializer: codec, Timeout: 5 * time.Second})
			assert.Equal(t, Attached, ch.State())

			resp, err := ch.Dispatch(context.Background(), "matmul",
				operand.FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4}),
				operand.FromFloat32([]int{2, 1}, []float32{5, 6}))
			require.NoError(t, err)
			require.Len(t, resp.Results, 1)
			vals, err := resp.Results[0].Float32s()
			require.NoError(t, err)
			assert.Equal(t, []float32{17, 39}, vals)
		})
	}
}

func TestDispatch_DistinctTokens(t *testing.T) {
	addr := startWorker(t)
	rec := &seqRecorder{}
	ch := attach(t, Options{Address: addr, Timeout: 5 * time.Second, Elements: []element.Element{rec}})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := ch.Dispatch(context.Background(), "echo", operand.Scalar(int64(i)))
			if err != nil {
				errs[i] = err
				return
			}
			got, err := resp.Results[0].Int64s()
			if err != nil {
				errs[i] = err
				return
			}
			if got[0] != int64(i) {
				errs[i] = errors.New("response routed to the wrong dispatch")
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	for _, s := range rec.seqs {
		seen[s] = true
	}
	assert.Len(t, rec.seqs, 10)
	assert.Len(t, seen, 10, "every dispatch needs its own correlation token")
}

func TestDispatch_RemoteError(t *testing.T) {
	addr := startWorker(t)
	ch := attach(t, Options{Address: addr, Timeout: 5 * time.Second})

	_, err := ch.Dispatch(context.Background(), "conv2d")
	require.ErrorIs(t, err, ErrRemote)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "conv2d", remote.Op)
	assert.Contains(t, remote.Message, "unknown operation")

	// the channel stays usable
	_, err = ch.Dispatch(context.Background(), "echo", operand.Scalar(1))
	require.NoError(t, err)
}

func TestDecode_ErrorPacket(t *testing.T) {
	ch := &Channel{}
	_, err := ch.decode("matmul", 3, &transport.Message{
		Type:  packet.PacketTypeError,
		RPCID: 3,
		Data:  []byte("decoding request: bad varint"),
	})

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, uint64(3), remote.Seq)
	assert.Equal(t, "decoding request: bad varint", remote.Message)
}

func TestDispatch_TimeoutThenReuse(t *testing.T) {
	silent := silentUDP(t)
	ch := attach(t, Options{
		Network:      transport.NetworkUDP,
		Address:      silent.LocalAddr().String(),
		LocalAddress: "127.0.0.1:0",
		Timeout:      100 * time.Millisecond,
	})

	start := time.Now()
	_, err := ch.Dispatch(context.Background(), "echo", operand.Scalar(1))
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, Attached, ch.State())

	lateBefore := testutil.ToFloat64(metrics.LateResponses)

	// A worker picks up the socket; the stale request is answered late.
	serve(t, worker.NewServer(transport.New(silent), compute.Builtins()))

	ch.opts.Timeout = 5 * time.Second
	resp, err := ch.Dispatch(context.Background(), "echo", operand.Scalar(2))
	require.NoError(t, err)
	got, err := resp.Results[0].Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.LateResponses) == lateBefore+1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatch_ContextCanceled(t *testing.T) {
	silent := silentUDP(t)
	ch := attach(t, Options{
		Network:      transport.NetworkUDP,
		Address:      silent.LocalAddr().String(),
		LocalAddress: "127.0.0.1:0",
		Timeout:      5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := ch.Dispatch(ctx, "echo")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestDispatch_NoWorkerSocket(t *testing.T) {
	ch := attach(t, Options{Address: filepath.Join(t.TempDir(), "absent.sock"), Timeout: 5 * time.Second})

	start := time.Now()
	_, err := ch.Dispatch(context.Background(), "echo")
	require.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "a missing socket must not wait for the timeout")
	assert.Equal(t, Attached, ch.State())
}

func TestDispatch_SilentUnixWorkerTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.sock")
	silent, err := net.ListenPacket(transport.NetworkUnix, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = silent.Close() })

	ch := attach(t, Options{Address: path, Timeout: 100 * time.Millisecond})
	_, err = ch.Dispatch(context.Background(), "echo")
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, Attached, ch.State())
}

func TestDetach_Idempotent(t *testing.T) {
	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn := &countingConn{PacketConn: raw}

	ch, err := NewChannel(transport.New(conn), silentUDP(t).LocalAddr(), Options{})
	require.NoError(t, err)

	require.NoError(t, ch.Detach())
	require.NoError(t, ch.Detach())
	assert.Equal(t, int32(1), conn.closes.Load(), "transport must be closed exactly once")
	assert.Equal(t, Detached, ch.State())

	_, err = ch.Dispatch(context.Background(), "echo")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestDetach_FailsInFlightAfterGrace(t *testing.T) {
	silent := silentUDP(t)
	ch, err := Attach(Options{
		Network:       transport.NetworkUDP,
		Address:       silent.LocalAddr().String(),
		LocalAddress:  "127.0.0.1:0",
		Timeout:       time.Minute,
		DetachTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := ch.Dispatch(context.Background(), "echo")
		result <- err
	}()
	require.Eventually(t, func() bool { return ch.inflightN.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, ch.Detach())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight dispatch was not released by Detach")
	}
}

func TestDetach_RemovesClientSocket(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "client.sock")
	ch, err := Attach(Options{Address: filepath.Join(dir, "worker.sock"), LocalAddress: local})
	require.NoError(t, err)
	assert.FileExists(t, local)

	require.NoError(t, ch.Detach())
	assert.NoFileExists(t, local)
}

func TestInstance(t *testing.T) {
	t.Cleanup(func() { _ = DetachInstance() })
	opts := Options{Address: filepath.Join(t.TempDir(), "worker.sock")}

	var wg sync.WaitGroup
	got := make([]*Channel, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := Instance(opts)
			if err == nil {
				got[i] = ch
			}
		}()
	}
	wg.Wait()
	for _, ch := range got {
		require.NotNil(t, ch)
		assert.Same(t, got[0], ch, "concurrent first calls must share one channel")
	}

	require.NoError(t, got[0].Detach())
	next, err := Instance(opts)
	require.NoError(t, err)
	assert.NotSame(t, got[0], next)
	assert.Equal(t, Attached, next.State())
	assert.Equal(t, Detached, got[0].State())
}

func TestEvaluatorAndMatMulTest(t *testing.T) {
	addr := startWorker(t)
	ch := attach(t, Options{Address: addr, Timeout: 5 * time.Second})

	ev := NewEvaluator(ch, "relu")
	out, err := ev.Evaluate(context.Background(),
		tensor.New(tensor.WithShape(3), tensor.WithBacking([]float32{-1, 0, 4})))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float32{0, 0, 4}, out[0].Float32s())

	sum, err := ch.MatMulTest(context.Background(), 16)
	require.NoError(t, err)
	assert.Greater(t, sum, float32(0))
}
