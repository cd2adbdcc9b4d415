package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/packet"
	"github.com/pocket-bench/pocket/pkg/serializer"
	"github.com/pocket-bench/pocket/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// startServer runs a worker with the builtin ops until the test ends.
func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Listen(transport.NetworkUnix, filepath.Join(t.TempDir(), "worker.sock"), compute.Builtins())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-served)
	})
	return srv
}

func newClient(t *testing.T) *transport.Transport {
	t.Helper()
	c, err := transport.Listen(transport.NetworkUnix, filepath.Join(t.TempDir(), "client.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// roundTrip sends req with ser and waits for the next complete message.
func roundTrip(t *testing.T, c *transport.Transport, srv *Server, ser serializer.Serializer, req *serializer.Request) *transport.Message {
	t.Helper()
	data, err := ser.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, c.Send(srv.Addr(), req.Seq, ser.ID(), data, packet.PacketTypeRequest))
	return receive(t, c)
}

func receive(t *testing.T, c *transport.Transport) *transport.Message {
	t.Helper()
	got := make(chan *transport.Message, 1)
	go func() {
		for {
			msg, err := c.Receive()
			if err != nil {
				close(got)
				return
			}
			if msg != nil {
				got <- msg
				return
			}
		}
	}()
	select {
	case msg, ok := <-got:
		require.True(t, ok, "client transport failed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from worker")
		return nil
	}
}

func TestServer_MatMul(t *testing.T) {
	srv := startServer(t)
	c := newClient(t)

	for _, name := range []string{"proto", "capnp"} {
		t.Run(name, func(t *testing.T) {
			ser, err := serializer.ByName(name)
			require.NoError(t, err)

			msg := roundTrip(t, c, srv, ser, &serializer.Request{
				Seq: 9,
				Op:  "matmul",
				Operands: []*operand.Operand{
					operand.FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4}),
					operand.FromFloat32([]int{2, 1}, []float32{5, 6}),
				},
			})
			require.Equal(t, packet.PacketTypeResponse, msg.Type)
			assert.Equal(t, uint64(9), msg.RPCID)
			assert.Equal(t, ser.ID(), msg.SerializerID, "reply must use the request's serializer")

			var resp serializer.Response
			require.NoError(t, ser.Unmarshal(msg.Data, &resp))
			require.Equal(t, serializer.StatusOK, resp.Status, resp.Message)
			assert.Equal(t, uint64(9), resp.Seq)
			require.Len(t, resp.Results, 1)
			vals, err := resp.Results[0].Float32s()
			require.NoError(t, err)
			assert.Equal(t, []float32{17, 39}, vals)
		})
	}
}

func TestServer_UnknownOperation(t *testing.T) {
	srv := startServer(t)
	c := newClient(t)
	ser := &serializer.ProtoSerializer{}

	msg := roundTrip(t, c, srv, ser, &serializer.Request{Seq: 1, Op: "conv2d"})
	require.Equal(t, packet.PacketTypeResponse, msg.Type)

	var resp serializer.Response
	require.NoError(t, ser.Unmarshal(msg.Data, &resp))
	assert.Equal(t, serializer.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unknown operation")
}

func TestServer_UndecodableRequest(t *testing.T) {
	srv := startServer(t)
	c := newClient(t)

	require.NoError(t, c.Send(srv.Addr(), 77, serializer.ProtoID, []byte{0xff, 0xff}, packet.PacketTypeRequest))
	msg := receive(t, c)
	assert.Equal(t, packet.PacketTypeError, msg.Type)
	assert.Equal(t, uint64(77), msg.RPCID)
	assert.Contains(t, string(msg.Data), "decoding request")

	require.NoError(t, c.Send(srv.Addr(), 78, 200, []byte("x"), packet.PacketTypeRequest))
	msg = receive(t, c)
	assert.Equal(t, packet.PacketTypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "unknown serializer")
}

func TestServer_CloseStopsServe(t *testing.T) {
	srv, err := Listen(transport.NetworkUnix, filepath.Join(t.TempDir(), "worker.sock"), compute.Builtins())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	require.NoError(t, srv.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServer_RejectsUnbuildableOperands(t *testing.T) {
	srv := startServer(t)
	c := newClient(t)
	ser := &serializer.ProtoSerializer{}

	requests := []*serializer.Request{
		{Seq: 1, Op: "matmul", Operands: []*operand.Operand{
			operand.FromFloat32([]int{0, 2}, nil),
			operand.FromFloat32([]int{2, 1}, []float32{5, 6}),
		}},
		{Seq: 2, Op: "matmul", Operands: []*operand.Operand{
			{DType: operand.Float32, Shape: []int{1 << 32, 1 << 32}},
			operand.FromFloat32([]int{2, 1}, []float32{5, 6}),
		}},
		{Seq: 3, Op: "matmultest", Operands: []*operand.Operand{operand.Scalar(1 << 32)}},
		{Seq: 4, Op: "matmultest", Operands: []*operand.Operand{operand.Scalar(compute.MaxMatrixSize + 1)}},
	}
	for _, req := range requests {
		msg := roundTrip(t, c, srv, ser, req)
		require.Equal(t, packet.PacketTypeResponse, msg.Type, "seq %d", req.Seq)

		var resp serializer.Response
		require.NoError(t, ser.Unmarshal(msg.Data, &resp))
		assert.Equal(t, req.Seq, resp.Seq)
		assert.Equal(t, serializer.StatusError, resp.Status, "seq %d", req.Seq)
		assert.NotEmpty(t, resp.Message)
	}

	// The worker is still up.
	msg := roundTrip(t, c, srv, ser, &serializer.Request{Seq: 5, Op: "matmultest", Operands: []*operand.Operand{operand.Scalar(4)}})
	var resp serializer.Response
	require.NoError(t, ser.Unmarshal(msg.Data, &resp))
	assert.Equal(t, serializer.StatusOK, resp.Status, resp.Message)
}

func TestExecute_RecoversPanickingOperation(t *testing.T) {
	ops := compute.NewRegistry()
	require.NoError(t, ops.Register("explode", func(context.Context, []*tensor.Dense) ([]*tensor.Dense, error) {
		panic("index out of range")
	}))
	srv := NewServer(nil, ops)

	resp := srv.execute(context.Background(), &serializer.Request{Seq: 42, Op: "explode"})
	require.NotNil(t, resp)
	assert.Equal(t, uint64(42), resp.Seq)
	assert.Equal(t, serializer.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "explode panicked")
}
