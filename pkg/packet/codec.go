package packet

import (
	"fmt"

	"github.com/pocket-bench/pocket/pkg/common"
)

// MaxDatagramSize bounds a single serialized packet. Unix datagram sockets
// and loopback UDP both accept this without fragmenting at the IP layer.
const MaxDatagramSize = 60 * 1024

// PacketCodec is the base interface that all codecs must implement
type PacketCodec interface {
	// Serialize converts a packet to its binary representation. When pool is
	// non-nil the returned buffer comes from it and the caller must Put it back.
	Serialize(packet any, pool *common.BufferPool) ([]byte, error)

	// Deserialize converts binary data back to a packet. Payload slices alias data.
	Deserialize(data []byte) (any, error)
}

// SerializePacket encodes packet with the codec registered for packetType.
func (pr *PacketRegistry) SerializePacket(packet any, packetType PacketType, pool *common.BufferPool) ([]byte, error) {
	codec, exists := pr.GetCodec(packetType.TypeID)
	if !exists {
		return nil, fmt.Errorf("codec not found for packet type %s", packetType.Name)
	}
	return codec.Serialize(packet, pool)
}

// DeserializePacket reads the packet type from the first byte of data and
// decodes the rest with the matching codec.
func (pr *PacketRegistry) DeserializePacket(data []byte) (any, PacketType, error) {
	if len(data) < 1 {
		return nil, PacketTypeUnknown, fmt.Errorf("%w: cannot read packet type", ErrShortPacket)
	}

	id := PacketTypeID(data[0])
	codec, exists := pr.GetCodec(id)
	if !exists {
		return nil, PacketTypeUnknown, fmt.Errorf("codec not found for packet type ID %d", id)
	}

	pkt, err := codec.Deserialize(data)
	if err != nil {
		return nil, PacketTypeUnknown, err
	}

	pt, _ := pr.GetPacketType(id)
	return pkt, pt, nil
}
