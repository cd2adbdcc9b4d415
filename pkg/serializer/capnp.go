package serializer

import (
	"encoding/binary"
	"fmt"

	"capnproto.org/go/capnp/v3"
	"github.com/pocket-bench/pocket/pkg/operand"
)

// CapnpSerializer encodes messages as single-segment Cap'n Proto structs.
// Layouts (data section offsets in bytes, pointer indexes):
//
//	Request  data[0:8]=seq                 ptr0=op(text)   ptr1=operands(list)
//	Response data[0:8]=seq data[8]=status  ptr0=message(text) ptr1=results(list)
//	Operand  data[0]=dtype                 ptr0=shape(data) ptr1=data(data)
//
// Shape dimensions are packed as little-endian uint32 values.
type CapnpSerializer struct{}

var (
	capnpMessageSize = capnp.ObjectSize{DataSize: 16, PointerCount: 2}
	capnpOperandSize = capnp.ObjectSize{DataSize: 8, PointerCount: 2}
)

func (s *CapnpSerializer) ID() uint8    { return CapnpID }
func (s *CapnpSerializer) Name() string { return "capnp" }

func (s *CapnpSerializer) Marshal(v any) ([]byte, error) {
	var (
		seq      uint64
		status   Status
		text     string
		operands []*operand.Operand
	)
	switch m := v.(type) {
	case *Request:
		seq, text, operands = m.Seq, m.Op, m.Operands
	case *Response:
		seq, status, text, operands = m.Seq, m.Status, m.Message, m.Results
	default:
		return nil, unsupported(s, v)
	}

	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	root, err := capnp.NewRootStruct(seg, capnpMessageSize)
	if err != nil {
		return nil, err
	}
	root.SetUint64(0, seq)
	root.SetUint8(8, uint8(status))
	if err := root.SetText(0, text); err != nil {
		return nil, err
	}

	list, err := capnp.NewCompositeList(seg, capnpOperandSize, int32(len(operands)))
	if err != nil {
		return nil, err
	}
	for i, o := range operands {
		st := list.Struct(i)
		st.SetUint8(0, uint8(o.DType))
		if err := st.SetData(0, packShape(o.Shape)); err != nil {
			return nil, err
		}
		if err := st.SetData(1, o.Data); err != nil {
			return nil, err
		}
	}
	if err := root.SetPtr(1, list.ToPtr()); err != nil {
		return nil, err
	}
	return msg.Marshal()
}

func (s *CapnpSerializer) Unmarshal(data []byte, v any) error {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return err
	}
	// The default traversal limit is 64 MiB. Operands may be larger, and a
	// request is walked once, so the encoded size is the bound.
	msg.ResetReadLimit(uint64(len(data)))
	rootPtr, err := msg.Root()
	if err != nil {
		return err
	}
	root := rootPtr.Struct()

	textPtr, err := root.Ptr(0)
	if err != nil {
		return err
	}
	listPtr, err := root.Ptr(1)
	if err != nil {
		return err
	}
	operands, err := readOperands(listPtr.List())
	if err != nil {
		return err
	}

	switch m := v.(type) {
	case *Request:
		*m = Request{Seq: root.Uint64(0), Op: textPtr.Text(), Operands: operands}
	case *Response:
		*m = Response{
			Seq:     root.Uint64(0),
			Status:  Status(root.Uint8(8)),
			Message: textPtr.Text(),
			Results: operands,
		}
	default:
		return unsupported(s, v)
	}
	return nil
}

func readOperands(list capnp.List) ([]*operand.Operand, error) {
	if list.Len() == 0 {
		return nil, nil
	}
	out := make([]*operand.Operand, list.Len())
	for i := range out {
		st := list.Struct(i)
		shapePtr, err := st.Ptr(0)
		if err != nil {
			return nil, fmt.Errorf("operand %d shape: %w", i, err)
		}
		dataPtr, err := st.Ptr(1)
		if err != nil {
			return nil, fmt.Errorf("operand %d data: %w", i, err)
		}
		shape, err := unpackShape(shapePtr.Data())
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		out[i] = &operand.Operand{
			DType: operand.DType(st.Uint8(0)),
			Shape: shape,
			Data:  append([]byte(nil), dataPtr.Data()...),
		}
	}
	return out, nil
}

func packShape(shape []int) []byte {
	b := make([]byte, 4*len(shape))
	for i, d := range shape {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(d))
	}
	return b
}

func unpackShape(b []byte) ([]int, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("shape blob of %d bytes is not a multiple of 4", len(b))
	}
	if len(b) == 0 {
		return nil, nil
	}
	shape := make([]int, len(b)/4)
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return shape, nil
}
