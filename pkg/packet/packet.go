package packet

import (
	"errors"
	"sync"
)

// PacketTypeID is the first byte of every datagram. 0 is reserved.
type PacketTypeID uint8

type PacketType struct {
	TypeID PacketTypeID
	Name   string
}

// PacketRegistry maps packet type IDs to their codecs.
type PacketRegistry struct {
	mu     sync.RWMutex
	types  map[PacketTypeID]PacketType
	codecs map[PacketTypeID]PacketCodec
}

// NewPacketRegistry creates an empty packet registry
func NewPacketRegistry() *PacketRegistry {
	return &PacketRegistry{
		types:  make(map[PacketTypeID]PacketType),
		codecs: make(map[PacketTypeID]PacketCodec),
	}
}

// Register adds a packet type and its codec.
func (pr *PacketRegistry) Register(pt PacketType, codec PacketCodec) error {
	if pt.TypeID == 0 && pt.Name != PacketTypeUnknown.Name {
		return ErrInvalidPacketTypeID
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, exists := pr.types[pt.TypeID]; exists {
		return ErrPacketTypeAlreadyExists
	}
	pr.types[pt.TypeID] = pt
	pr.codecs[pt.TypeID] = codec
	return nil
}

// GetPacketType retrieves a packet type by ID
func (pr *PacketRegistry) GetPacketType(id PacketTypeID) (PacketType, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	pt, exists := pr.types[id]
	return pt, exists
}

// GetCodec retrieves the codec for a packet type
func (pr *PacketRegistry) GetCodec(id PacketTypeID) (PacketCodec, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	codec, exists := pr.codecs[id]
	return codec, exists
}

// Copy creates a new PacketRegistry with the same packet types and codecs
func (pr *PacketRegistry) Copy() *PacketRegistry {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	newPr := NewPacketRegistry()
	for id, packetType := range pr.types {
		newPr.types[id] = packetType
		newPr.codecs[id] = pr.codecs[id]
	}
	return newPr
}

// DefaultRegistry holds the builtin Request, Response and Error packets.
var DefaultRegistry = func() *PacketRegistry {
	pr := NewPacketRegistry()
	_ = pr.Register(PacketTypeRequest, &DataPacketCodec{})
	_ = pr.Register(PacketTypeResponse, &DataPacketCodec{})
	_ = pr.Register(PacketTypeError, &ErrorPacketCodec{})
	return pr
}()

// Errors
var (
	ErrInvalidPacketTypeID     = errors.New("invalid packet type ID: 0 is reserved")
	ErrPacketTypeAlreadyExists = errors.New("packet type with this ID already exists")
	ErrShortPacket             = errors.New("packet too short")
)
