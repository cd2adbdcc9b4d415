package operand

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Tensor decodes the operand into a dense tensor backed by a fresh slice.
// A rank-0 operand becomes a one-element vector.
func (o *Operand) Tensor() (*tensor.Dense, error) {
	shape := o.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}

	var backing any
	var err error
	switch o.DType {
	case Float32:
		backing, err = o.Float32s()
	case Float64:
		backing, err = o.Float64s()
	case Int32:
		backing, err = o.Int32s()
	case Int64:
		backing, err = o.Int64s()
	case Uint8:
		backing, err = o.Uint8s()
	default:
		err = fmt.Errorf("operand has unsupported %s", o.DType)
	}
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

// FromTensor encodes a dense tensor. Views are materialized first.
func FromTensor(t *tensor.Dense) (*Operand, error) {
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("cannot materialize %T", t)
		}
		t = m
	}

	shape := append([]int(nil), t.Shape()...)
	if len(shape) == 0 {
		shape = []int{1}
	}

	switch data := t.Data().(type) {
	case []float32:
		return FromFloat32(shape, data), nil
	case float32:
		return FromFloat32(shape, []float32{data}), nil
	case []float64:
		return FromFloat64(shape, data), nil
	case float64:
		return FromFloat64(shape, []float64{data}), nil
	case []int32:
		return FromInt32(shape, data), nil
	case int32:
		return FromInt32(shape, []int32{data}), nil
	case []int64:
		return FromInt64(shape, data), nil
	case int64:
		return FromInt64(shape, []int64{data}), nil
	case []uint8:
		return FromUint8(shape, data), nil
	case uint8:
		return FromUint8(shape, []uint8{data}), nil
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %v", t.Dtype())
	}
}

// Tensors decodes a list of operands.
func Tensors(ops []*Operand) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, len(ops))
	for i, o := range ops {
		t, err := o.Tensor()
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// FromTensors encodes a list of tensors.
func FromTensors(ts []*tensor.Dense) ([]*Operand, error) {
	out := make([]*Operand, len(ts))
	for i, t := range ts {
		o, err := FromTensor(t)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		out[i] = o
	}
	return out, nil
}
