// This file defines the builtin packets (Request, Response, Error) and their corresponding
// serialization/deserialization codecs.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pocket-bench/pocket/pkg/common"
)

// Builtin packet types
var (
	PacketTypeUnknown  = PacketType{TypeID: 0, Name: "Unknown"}
	PacketTypeRequest  = PacketType{TypeID: 1, Name: "Request"}
	PacketTypeResponse = PacketType{TypeID: 2, Name: "Response"}
	PacketTypeError    = PacketType{TypeID: 3, Name: "Error"}
)

const (
	// DataHeaderSize is 1+8+1+2+2+4 bytes.
	DataHeaderSize = 18
	// ErrorHeaderSize is 1+8+4 bytes.
	ErrorHeaderSize = 13
)

// DataPacket carries one fragment of a serialized request or response.
type DataPacket struct {
	PacketTypeID PacketTypeID
	RPCID        uint64 // correlation token of the offload call
	SerializerID uint8  // serializer used for the reassembled payload
	TotalPackets uint16 // number of fragments in the message
	SeqNumber    uint16 // index of this fragment
	Payload      []byte
}

// ErrorPacket reports a request the worker could not decode or route.
type ErrorPacket struct {
	PacketTypeID PacketTypeID
	RPCID        uint64
	ErrorMsg     string // must fit in one datagram
}

// DataPacketCodec implements DataPacket serialization for both Request and Response packets
type DataPacketCodec struct{}

// Serialize encodes a DataPacket into binary format:
// [PacketTypeID(1B)][RPCID(8B)][SerializerID(1B)][TotalPackets(2B)][SeqNumber(2B)][PayloadLen(4B)][Payload]
func (c *DataPacketCodec) Serialize(packet any, pool *common.BufferPool) ([]byte, error) {
	p, ok := packet.(*DataPacket)
	if !ok {
		return nil, errors.New("invalid packet type for DataPacket codec")
	}

	totalSize := DataHeaderSize + len(p.Payload)
	if totalSize > MaxDatagramSize {
		return nil, fmt.Errorf("data packet of %d bytes exceeds datagram limit", totalSize)
	}

	var buf []byte
	if pool != nil {
		buf = pool.GetSize(totalSize)
	} else {
		buf = make([]byte, totalSize)
	}

	buf[0] = byte(p.PacketTypeID)
	binary.LittleEndian.PutUint64(buf[1:9], p.RPCID)
	buf[9] = p.SerializerID
	binary.LittleEndian.PutUint16(buf[10:12], p.TotalPackets)
	binary.LittleEndian.PutUint16(buf[12:14], p.SeqNumber)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(p.Payload)))
	copy(buf[DataHeaderSize:], p.Payload)

	return buf, nil
}

// Deserialize decodes binary data into a DataPacket
func (c *DataPacketCodec) Deserialize(data []byte) (any, error) {
	if len(data) < DataHeaderSize {
		return nil, fmt.Errorf("%w: data packet header", ErrShortPacket)
	}

	p := &DataPacket{
		PacketTypeID: PacketTypeID(data[0]),
		RPCID:        binary.LittleEndian.Uint64(data[1:9]),
		SerializerID: data[9],
		TotalPackets: binary.LittleEndian.Uint16(data[10:12]),
		SeqNumber:    binary.LittleEndian.Uint16(data[12:14]),
	}
	payloadLen := int(binary.LittleEndian.Uint32(data[14:18]))
	if len(data) < DataHeaderSize+payloadLen {
		return nil, fmt.Errorf("%w: declared payload length %d", ErrShortPacket, payloadLen)
	}
	if p.TotalPackets == 0 || p.SeqNumber >= p.TotalPackets {
		return nil, fmt.Errorf("invalid fragment %d of %d", p.SeqNumber, p.TotalPackets)
	}

	// Zero-copy: the caller keeps data alive while the payload is in use.
	p.Payload = data[DataHeaderSize : DataHeaderSize+payloadLen]
	return p, nil
}

// ErrorPacketCodec implements Error packet serialization
type ErrorPacketCodec struct{}

// Serialize encodes an ErrorPacket into binary format:
// [PacketTypeID(1B)][RPCID(8B)][MsgLen(4B)][Msg]
func (c *ErrorPacketCodec) Serialize(packet any, pool *common.BufferPool) ([]byte, error) {
	p, ok := packet.(*ErrorPacket)
	if !ok {
		return nil, errors.New("invalid packet type for Error codec")
	}

	msg := []byte(p.ErrorMsg)
	if len(msg) > MaxDatagramSize-ErrorHeaderSize {
		msg = msg[:MaxDatagramSize-ErrorHeaderSize]
	}
	totalSize := ErrorHeaderSize + len(msg)

	var buf []byte
	if pool != nil {
		buf = pool.GetSize(totalSize)
	} else {
		buf = make([]byte, totalSize)
	}

	buf[0] = byte(p.PacketTypeID)
	binary.LittleEndian.PutUint64(buf[1:9], p.RPCID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(msg)))
	copy(buf[ErrorHeaderSize:], msg)

	return buf, nil
}

// Deserialize decodes binary data into an ErrorPacket
func (c *ErrorPacketCodec) Deserialize(data []byte) (any, error) {
	if len(data) < ErrorHeaderSize {
		return nil, fmt.Errorf("%w: error packet header", ErrShortPacket)
	}

	pkt := &ErrorPacket{
		PacketTypeID: PacketTypeID(data[0]),
		RPCID:        binary.LittleEndian.Uint64(data[1:9]),
	}
	msgLen := int(binary.LittleEndian.Uint32(data[9:13]))
	if len(data) < ErrorHeaderSize+msgLen {
		return nil, fmt.Errorf("%w: declared error message length %d", ErrShortPacket, msgLen)
	}
	pkt.ErrorMsg = string(data[ErrorHeaderSize : ErrorHeaderSize+msgLen])
	return pkt, nil
}
