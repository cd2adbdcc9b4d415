package serializer

import (
	"fmt"

	"github.com/pocket-bench/pocket/pkg/operand"
	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoSerializer writes the protobuf wire format by hand, equivalent to:
//
//	message Operand  { uint32 dtype = 1; repeated int64 shape = 2; bytes data = 3; }
//	message Request  { uint64 seq = 1; string op = 2; repeated Operand operands = 3; }
//	message Response { uint64 seq = 1; uint32 status = 2; repeated Operand results = 3; string message = 4; }
type ProtoSerializer struct{}

func (s *ProtoSerializer) ID() uint8    { return ProtoID }
func (s *ProtoSerializer) Name() string { return "proto" }

func (s *ProtoSerializer) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Request:
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Seq)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Op)
		for _, o := range m.Operands {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, appendOperand(nil, o))
		}
		return b, nil
	case *Response:
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Seq)
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
		for _, o := range m.Results {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, appendOperand(nil, o))
		}
		if m.Message != "" {
			b = protowire.AppendTag(b, 4, protowire.BytesType)
			b = protowire.AppendString(b, m.Message)
		}
		return b, nil
	default:
		return nil, unsupported(s, v)
	}
}

func (s *ProtoSerializer) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Request:
		*m = Request{}
		return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				m.Seq = v
				return n, nil
			case num == 2 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				m.Op = v
				return n, nil
			case num == 3 && typ == protowire.BytesType:
				o, n, err := consumeOperand(b)
				if err != nil {
					return n, err
				}
				m.Operands = append(m.Operands, o)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
	case *Response:
		*m = Response{}
		return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				m.Seq = v
				return n, nil
			case num == 2 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				m.Status = Status(v)
				return n, nil
			case num == 3 && typ == protowire.BytesType:
				o, n, err := consumeOperand(b)
				if err != nil {
					return n, err
				}
				m.Results = append(m.Results, o)
				return n, nil
			case num == 4 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				m.Message = v
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
	default:
		return unsupported(s, v)
	}
}

// walkFields calls fn for each field in b. fn consumes the field value and
// returns its length, or a negative protowire error code.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendOperand(b []byte, o *operand.Operand) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.DType))
	if len(o.Shape) > 0 {
		var packed []byte
		for _, d := range o.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, o.Data)
	return b
}

// consumeOperand reads a length-delimited Operand and returns the bytes consumed.
func consumeOperand(b []byte) (*operand.Operand, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, nil
	}
	o := &operand.Operand{}
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			o.DType = operand.DType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				o.Shape = append(o.Shape, int(int64(d)))
				packed = packed[m:]
			}
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(b)
			o.Shape = append(o.Shape, int(int64(d)))
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			o.Data = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, n, fmt.Errorf("operand: %w", err)
	}
	return o, n, nil
}
