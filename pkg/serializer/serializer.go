// Package serializer encodes offload requests and responses into packet payloads.
package serializer

import (
	"fmt"
	"sync"

	"github.com/pocket-bench/pocket/pkg/operand"
)

// Status of a completed operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Request asks the worker to run a named operation.
type Request struct {
	Seq      uint64
	Op       string
	Operands []*operand.Operand
}

// Response echoes the request's Seq and carries results or an error message.
type Response struct {
	Seq     uint64
	Status  Status
	Results []*operand.Operand
	Message string
}

// Serializer converts *Request and *Response values to bytes and back.
type Serializer interface {
	// ID is carried in every data packet so the peer can decode the payload.
	ID() uint8
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Serializer IDs. Zero is reserved.
const (
	ProtoID uint8 = 1
	CapnpID uint8 = 2
)

var (
	registryMu sync.RWMutex
	byID       = map[uint8]Serializer{}
	byName     = map[string]Serializer{}
)

func init() {
	MustRegister(&ProtoSerializer{})
	MustRegister(&CapnpSerializer{})
}

// Register makes s available to ByID and ByName.
func Register(s Serializer) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if s.ID() == 0 {
		return fmt.Errorf("serializer %q uses reserved id 0", s.Name())
	}
	if existing, ok := byID[s.ID()]; ok {
		return fmt.Errorf("serializer id %d already registered by %q", s.ID(), existing.Name())
	}
	if _, ok := byName[s.Name()]; ok {
		return fmt.Errorf("serializer %q already registered", s.Name())
	}
	byID[s.ID()] = s
	byName[s.Name()] = s
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister(s Serializer) {
	if err := Register(s); err != nil {
		panic(err)
	}
}

// ByID returns the serializer with the given wire id.
func ByID(id uint8) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if s, ok := byID[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown serializer id %d", id)
}

// ByName returns the serializer registered as name ("proto", "capnp").
func ByName(name string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if s, ok := byName[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown serializer %q", name)
}

func unsupported(s Serializer, v any) error {
	return fmt.Errorf("%s serializer cannot handle %T", s.Name(), v)
}
