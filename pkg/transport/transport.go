// Package transport moves offload packets between processes over datagram sockets.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pocket-bench/pocket/pkg/common"
	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/packet"
	"go.uber.org/zap"
)

// Supported networks.
const (
	NetworkUnix = "unixgram"
	NetworkUDP  = "udp"
)

const socketBufferSize = 8 * 1024 * 1024

// ErrMalformedPacket marks a datagram that could not be decoded. The
// transport stays usable after it.
var ErrMalformedPacket = errors.New("malformed packet")

// Message is a complete request, response or error received from a peer.
type Message struct {
	Type         packet.PacketType
	RPCID        uint64
	SerializerID uint8
	Data         []byte
	Addr         net.Addr
}

// Transport sends and receives framed packets on a net.PacketConn.
type Transport struct {
	conn        net.PacketConn
	reassembler *DataReassembler
	packets     *packet.PacketRegistry
	timers      *TimerManager
	bufferPool  *common.BufferPool

	closeOnce sync.Once
	closeErr  error
	cleanup   func()
}

// Listen binds a datagram socket. For unixgram a stale socket file at
// address is removed first and the file is removed again on Close.
func Listen(network, address string) (*Transport, error) {
	switch network {
	case NetworkUnix:
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
		conn, err := net.ListenPacket(network, address)
		if err != nil {
			return nil, err
		}
		t := New(conn)
		t.cleanup = func() { _ = os.Remove(address) }
		return t, nil
	case NetworkUDP:
		conn, err := net.ListenPacket(network, address)
		if err != nil {
			return nil, err
		}
		return New(conn), nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

// New wraps an already bound connection.
func New(conn net.PacketConn) *Transport {
	if bc, ok := conn.(interface {
		SetReadBuffer(int) error
		SetWriteBuffer(int) error
	}); ok {
		if err := bc.SetReadBuffer(socketBufferSize); err != nil {
			logging.Warn("Failed to set socket read buffer size", zap.Error(err))
		}
		if err := bc.SetWriteBuffer(socketBufferSize); err != nil {
			logging.Warn("Failed to set socket write buffer size", zap.Error(err))
		}
	}

	timers := NewTimerManager()
	return &Transport{
		conn:        conn,
		reassembler: NewDataReassembler(timers, DefaultReassemblyTTL),
		packets:     packet.DefaultRegistry.Copy(),
		timers:      timers,
		bufferPool:  common.NewBufferPool(packet.MaxDatagramSize),
	}
}

// ResolveAddr resolves a peer address for the given network.
func ResolveAddr(network, address string) (net.Addr, error) {
	switch network {
	case NetworkUnix:
		return net.ResolveUnixAddr(network, address)
	case NetworkUDP:
		return net.ResolveUDPAddr(network, address)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Send fragments data into request or response packets and writes them to addr.
func (t *Transport) Send(addr net.Addr, rpcID uint64, serializerID uint8, data []byte, packetType packet.PacketType) error {
	for _, pkt := range t.reassembler.FragmentData(data, rpcID, serializerID, packetType) {
		if err := t.write(addr, pkt, packetType); err != nil {
			return err
		}
	}
	logging.Debug("Sent message",
		zap.String("type", packetType.Name),
		zap.Uint64("rpcID", rpcID),
		zap.Int("size", len(data)))
	return nil
}

// SendError writes a single error packet to addr.
func (t *Transport) SendError(addr net.Addr, rpcID uint64, msg string) error {
	return t.write(addr, &packet.ErrorPacket{
		PacketTypeID: packet.PacketTypeError.TypeID,
		RPCID:        rpcID,
		ErrorMsg:     msg,
	}, packet.PacketTypeError)
}

func (t *Transport) write(addr net.Addr, pkt any, packetType packet.PacketType) error {
	buf, err := t.packets.SerializePacket(pkt, packetType, t.bufferPool)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(buf, addr)
	t.bufferPool.Put(buf)
	return err
}

// Receive blocks for the next datagram. It returns a nil Message and nil
// error when the datagram was a fragment of a message still incomplete.
func (t *Transport) Receive() (*Message, error) {
	buffer := t.bufferPool.Get()
	defer t.bufferPool.Put(buffer)

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, err
	}

	pkt, packetType, err := t.packets.DeserializePacket(buffer[:n])
	if err != nil {
		return nil, fmt.Errorf("%w from %v: %w", ErrMalformedPacket, addr, err)
	}

	switch p := pkt.(type) {
	case *packet.DataPacket:
		data, complete := t.reassembler.ProcessFragment(p, addr)
		if !complete {
			return nil, nil
		}
		return &Message{
			Type:         packetType,
			RPCID:        p.RPCID,
			SerializerID: p.SerializerID,
			Data:         data,
			Addr:         addr,
		}, nil
	case *packet.ErrorPacket:
		return &Message{
			Type:  packetType,
			RPCID: p.RPCID,
			Data:  []byte(p.ErrorMsg),
			Addr:  addr,
		}, nil
	default:
		logging.Debug("Unknown packet type", zap.String("packetType", packetType.Name))
		return nil, nil
	}
}

// Close releases the socket and timers. Only the first call has any effect.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		t.timers.Stop()
		if t.cleanup != nil {
			t.cleanup()
		}
	})
	return t.closeErr
}

// IsClosed reports whether err came from reading or writing a closed transport.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// LocalAddr returns the local address of the transport
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Reassembler exposes the reassembly state for diagnostics.
func (t *Transport) Reassembler() *DataReassembler {
	return t.reassembler
}
