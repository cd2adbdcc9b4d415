// Package operand describes the tensors exchanged with a compute worker: an
// element type, a shape and the raw little-endian element bytes.
package operand

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the element type of an operand.
type DType uint8

const (
	Invalid DType = iota
	Float32
	Float64
	Int32
	Int64
	Uint8
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Size returns the width of one element in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// ParseDType maps a type name such as "float32" back to its DType.
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", name)
}

// Operand is one input or result of an offloaded operation.
type Operand struct {
	DType DType
	Shape []int
	Data  []byte
}

// NumElements is the product of the shape dimensions. A rank-0 operand holds one element.
func (o *Operand) NumElements() int {
	n := 1
	for _, d := range o.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length agrees with the dtype and shape.
func (o *Operand) Validate() error {
	size := o.DType.Size()
	if size == 0 {
		return fmt.Errorf("operand has unsupported %s", o.DType)
	}
	// The element count must be positive and its byte size must fit in an
	// int; tensors cannot be built over empty or wrapped-around shapes.
	n := 1
	for i, d := range o.Shape {
		if d <= 0 {
			return fmt.Errorf("operand dimension %d is not positive (%d)", i, d)
		}
		if n > math.MaxInt/size/d {
			return fmt.Errorf("operand %s%v is too large", o.DType, o.Shape)
		}
		n *= d
	}
	if want := n * size; len(o.Data) != want {
		return fmt.Errorf("operand %s%v carries %d bytes, want %d", o.DType, o.Shape, len(o.Data), want)
	}
	return nil
}

func (o *Operand) String() string {
	return fmt.Sprintf("%s%v", o.DType, o.Shape)
}

// FromFloat32 encodes values as a float32 operand of the given shape.
func FromFloat32(shape []int, values []float32) *Operand {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Operand{DType: Float32, Shape: shape, Data: data}
}

// FromFloat64 encodes values as a float64 operand of the given shape.
func FromFloat64(shape []int, values []float64) *Operand {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return &Operand{DType: Float64, Shape: shape, Data: data}
}

// FromInt32 encodes values as an int32 operand of the given shape.
func FromInt32(shape []int, values []int32) *Operand {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return &Operand{DType: Int32, Shape: shape, Data: data}
}

// FromInt64 encodes values as an int64 operand of the given shape.
func FromInt64(shape []int, values []int64) *Operand {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return &Operand{DType: Int64, Shape: shape, Data: data}
}

// FromUint8 wraps values as a uint8 operand of the given shape.
func FromUint8(shape []int, values []uint8) *Operand {
	data := make([]byte, len(values))
	copy(data, values)
	return &Operand{DType: Uint8, Shape: shape, Data: data}
}

// Scalar returns a one-element int64 operand, the form size arguments travel in.
func Scalar(v int64) *Operand {
	return FromInt64([]int{1}, []int64{v})
}

func (o *Operand) expect(d DType) error {
	if o.DType != d {
		return fmt.Errorf("operand is %s, not %s", o.DType, d)
	}
	return o.Validate()
}

// Float32s decodes a float32 operand.
func (o *Operand) Float32s() ([]float32, error) {
	if err := o.expect(Float32); err != nil {
		return nil, err
	}
	out := make([]float32, len(o.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(o.Data[4*i:]))
	}
	return out, nil
}

// Float64s decodes a float64 operand.
func (o *Operand) Float64s() ([]float64, error) {
	if err := o.expect(Float64); err != nil {
		return nil, err
	}
	out := make([]float64, len(o.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(o.Data[8*i:]))
	}
	return out, nil
}

// Int32s decodes an int32 operand.
func (o *Operand) Int32s() ([]int32, error) {
	if err := o.expect(Int32); err != nil {
		return nil, err
	}
	out := make([]int32, len(o.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(o.Data[4*i:]))
	}
	return out, nil
}

// Int64s decodes an int64 operand.
func (o *Operand) Int64s() ([]int64, error) {
	if err := o.expect(Int64); err != nil {
		return nil, err
	}
	out := make([]int64, len(o.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(o.Data[8*i:]))
	}
	return out, nil
}

// Uint8s returns a copy of a uint8 operand's elements.
func (o *Operand) Uint8s() ([]uint8, error) {
	if err := o.expect(Uint8); err != nil {
		return nil, err
	}
	out := make([]uint8, len(o.Data))
	copy(out, o.Data)
	return out, nil
}
