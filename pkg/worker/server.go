// Package worker is the out-of-process side of the offload channel: it
// receives requests on a datagram socket, runs the named operation and
// answers with a response or an error packet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/packet"
	"github.com/pocket-bench/pocket/pkg/serializer"
	"github.com/pocket-bench/pocket/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server answers offload requests one at a time.
type Server struct {
	transport *transport.Transport
	ops       *compute.Registry

	done      chan struct{}
	closeOnce sync.Once
}

// Listen binds the worker socket and returns a server for ops.
func Listen(network, address string, ops *compute.Registry) (*Server, error) {
	t, err := transport.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("worker listen on %s %s: %w", network, address, err)
	}
	return NewServer(t, ops), nil
}

// NewServer serves ops on an existing transport.
func NewServer(t *transport.Transport, ops *compute.Registry) *Server {
	return &Server{
		transport: t,
		ops:       ops,
		done:      make(chan struct{}),
	}
}

// Addr is the address clients send requests to.
func (s *Server) Addr() net.Addr {
	return s.transport.LocalAddr()
}

// Serve handles requests until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	logging.Info("Worker started, waiting for requests",
		zap.String("addr", s.Addr().String()),
		zap.Strings("ops", s.ops.Names()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		return s.transport.Close()
	})
	g.Go(func() error {
		for {
			msg, err := s.transport.Receive()
			if err != nil {
				switch {
				case transport.IsClosed(err):
					return nil
				case errors.Is(err, transport.ErrMalformedPacket):
					logging.Warn("Dropping packet", zap.Error(err))
					continue
				default:
					return fmt.Errorf("worker receive: %w", err)
				}
			}
			if msg == nil {
				continue
			}
			s.handle(gctx, msg)
		}
	})

	err := g.Wait()
	logging.Info("Worker stopped", zap.Error(err))
	return err
}

// Close stops Serve and releases the socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.transport.Close()
}

func (s *Server) handle(ctx context.Context, msg *transport.Message) {
	if msg.Type != packet.PacketTypeRequest {
		logging.Debug("Ignoring non-request packet",
			zap.String("type", msg.Type.Name),
			zap.Uint64("rpcID", msg.RPCID))
		return
	}

	ser, err := serializer.ByID(msg.SerializerID)
	if err != nil {
		s.sendError(msg, err)
		return
	}
	var req serializer.Request
	if err := ser.Unmarshal(msg.Data, &req); err != nil {
		s.sendError(msg, fmt.Errorf("decoding request: %w", err))
		return
	}

	resp := s.execute(ctx, &req)
	metrics.WorkerRequests.WithLabelValues(req.Op, resp.Status.String()).Inc()

	data, err := ser.Marshal(resp)
	if err != nil {
		s.sendError(msg, fmt.Errorf("encoding response: %w", err))
		return
	}
	if err := s.transport.Send(msg.Addr, msg.RPCID, ser.ID(), data, packet.PacketTypeResponse); err != nil {
		logging.Warn("Failed to send response",
			zap.Uint64("rpcID", msg.RPCID),
			zap.String("op", req.Op),
			zap.Error(err))
	}
}

// execute runs one request. Failures become error responses, and so does a
// panic inside the operation; the worker keeps serving either way.
func (s *Server) execute(ctx context.Context, req *serializer.Request) (resp *serializer.Response) {
	fail := func(err error) *serializer.Response {
		logging.Debug("Operation failed", zap.String("op", req.Op), zap.Uint64("seq", req.Seq), zap.Error(err))
		return &serializer.Response{Seq: req.Seq, Status: serializer.StatusError, Message: err.Error()}
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Operation panicked",
				zap.String("op", req.Op),
				zap.Uint64("seq", req.Seq),
				zap.Any("panic", r))
			resp = fail(fmt.Errorf("%s panicked: %v", req.Op, r))
		}
	}()

	op, err := s.ops.Lookup(req.Op)
	if err != nil {
		return fail(err)
	}
	inputs, err := operand.Tensors(req.Operands)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", req.Op, err))
	}
	outputs, err := op(ctx, inputs)
	if err != nil {
		return fail(err)
	}
	results, err := operand.FromTensors(outputs)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", req.Op, err))
	}

	logging.Debug("Operation completed", zap.String("op", req.Op), zap.Uint64("seq", req.Seq))
	return &serializer.Response{Seq: req.Seq, Status: serializer.StatusOK, Results: results}
}

func (s *Server) sendError(msg *transport.Message, cause error) {
	metrics.WorkerRequests.WithLabelValues("", "undecodable").Inc()
	logging.Warn("Rejecting request", zap.Uint64("rpcID", msg.RPCID), zap.Error(cause))
	if err := s.transport.SendError(msg.Addr, msg.RPCID, cause.Error()); err != nil {
		logging.Warn("Failed to send error packet", zap.Uint64("rpcID", msg.RPCID), zap.Error(err))
	}
}
