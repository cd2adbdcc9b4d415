package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/packet"
	"go.uber.org/zap"
)

// DefaultReassemblyTTL is how long an incomplete message may wait for its
// remaining fragments before it is dropped.
const DefaultReassemblyTTL = 10 * time.Second

// chunkSize is the payload capacity of one data packet.
const chunkSize = packet.MaxDatagramSize - packet.DataHeaderSize

type fragmentKey struct {
	peer  string
	rpcID uint64
}

type partialMessage struct {
	fragments [][]byte
	received  int
	size      int
	timer     TimerKey
}

// DataReassembler splits outgoing messages into data packets and rebuilds
// incoming ones. Fragments are keyed by sender and RPC ID, since independent
// clients number their calls from the same starting point.
type DataReassembler struct {
	mu        sync.Mutex
	incoming  map[fragmentKey]*partialMessage
	timers    *TimerManager
	ttl       time.Duration
	nextTimer TimerKey
}

// NewDataReassembler creates a reassembler that expires partial messages via timers.
func NewDataReassembler(timers *TimerManager, ttl time.Duration) *DataReassembler {
	if ttl <= 0 {
		ttl = DefaultReassemblyTTL
	}
	return &DataReassembler{
		incoming: make(map[fragmentKey]*partialMessage),
		timers:   timers,
		ttl:      ttl,
	}
}

// FragmentData splits data into as many data packets as the datagram limit requires.
// An empty message still produces one packet.
func (r *DataReassembler) FragmentData(data []byte, rpcID uint64, serializerID uint8, packetType packet.PacketType) []*packet.DataPacket {
	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	packets := make([]*packet.DataPacket, 0, total)
	for i := range total {
		start := i * chunkSize
		end := min(start+chunkSize, len(data))
		packets = append(packets, &packet.DataPacket{
			PacketTypeID: packetType.TypeID,
			RPCID:        rpcID,
			SerializerID: serializerID,
			TotalPackets: uint16(total),
			SeqNumber:    uint16(i),
			Payload:      data[start:end],
		})
	}
	return packets
}

// ProcessFragment stores a copy of the fragment's payload and returns the
// complete message once every fragment has arrived.
func (r *DataReassembler) ProcessFragment(pkt *packet.DataPacket, from net.Addr) ([]byte, bool) {
	if pkt.TotalPackets == 1 {
		out := make([]byte, len(pkt.Payload))
		copy(out, pkt.Payload)
		return out, true
	}

	key := fragmentKey{rpcID: pkt.RPCID}
	if from != nil {
		key.peer = from.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pm, exists := r.incoming[key]
	if !exists || len(pm.fragments) != int(pkt.TotalPackets) {
		if exists {
			r.timers.StopTimer(pm.timer)
		}
		r.nextTimer++
		pm = &partialMessage{
			fragments: make([][]byte, pkt.TotalPackets),
			timer:     r.nextTimer,
		}
		r.incoming[key] = pm
		r.timers.Schedule(pm.timer, r.ttl, func() { r.expire(key, pm) })
	}

	if pm.fragments[pkt.SeqNumber] != nil {
		logging.Debug("Duplicate fragment", zap.Uint64("rpcID", pkt.RPCID), zap.Uint16("seqNumber", pkt.SeqNumber))
		return nil, false
	}
	frag := make([]byte, len(pkt.Payload))
	copy(frag, pkt.Payload)
	pm.fragments[pkt.SeqNumber] = frag
	pm.received++
	pm.size += len(frag)

	if pm.received < len(pm.fragments) {
		return nil, false
	}

	full := make([]byte, 0, pm.size)
	for _, f := range pm.fragments {
		full = append(full, f...)
	}
	delete(r.incoming, key)
	r.timers.StopTimer(pm.timer)
	return full, true
}

func (r *DataReassembler) expire(key fragmentKey, pm *partialMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.incoming[key]; ok && cur == pm {
		delete(r.incoming, key)
		logging.Debug("Dropped incomplete message",
			zap.String("peer", key.peer),
			zap.Uint64("rpcID", key.rpcID),
			zap.Int("received", pm.received),
			zap.Int("total", len(pm.fragments)))
	}
}

// Pending returns the number of partially received messages.
func (r *DataReassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming)
}
