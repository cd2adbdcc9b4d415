// Package compute holds the tensor operations a benchmark can run, either in
// process or inside a worker.
package compute

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Op is a named tensor operation.
type Op func(ctx context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error)

// ErrUnknownOperation is returned when no op is registered under a name.
var ErrUnknownOperation = errors.New("unknown operation")

// Registry maps operation names to ops.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Op
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

// Builtins returns a registry holding matmul, matmultest, softmax, relu and echo.
func Builtins() *Registry {
	r := NewRegistry()
	r.ops["matmul"] = MatMul
	r.ops["matmultest"] = MatMulTest
	r.ops["softmax"] = Softmax
	r.ops["relu"] = ReLU
	r.ops["echo"] = Echo
	return r
}

// Register adds op under name. Names are unique.
func (r *Registry) Register(name string, op Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return errors.New("operation name is empty")
	}
	if _, ok := r.ops[name]; ok {
		return errors.Errorf("operation %q already registered", name)
	}
	r.ops[name] = op
	return nil
}

// Lookup returns the op registered under name.
func (r *Registry) Lookup(name string) (Op, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOperation, "%q", name)
	}
	return op, nil
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func arity(name string, inputs []*tensor.Dense, n int) error {
	if len(inputs) != n {
		return errors.Errorf("%s expects %d operand(s), got %d", name, n, len(inputs))
	}
	return nil
}

// MatMul multiplies two matrices.
func MatMul(_ context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	if err := arity("matmul", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if a.Dims() != 2 || b.Dims() != 2 {
		return nil, errors.Errorf("matmul expects matrices, got %v and %v", a.Shape(), b.Shape())
	}
	out, err := a.MatMul(b)
	if err != nil {
		return nil, errors.Wrapf(err, "matmul %v x %v", a.Shape(), b.Shape())
	}
	return []*tensor.Dense{out}, nil
}

// MaxMatrixSize bounds the n of matmultest. Two n×n float32 matrices of this
// size take 512 MiB.
const MaxMatrixSize = 8192

// MatMulTest multiplies two random n×n float32 matrices, where n is the single
// integer input, and returns the sum of the product as a one-element tensor.
func MatMulTest(ctx context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	if err := arity("matmultest", inputs, 1); err != nil {
		return nil, err
	}
	n, err := scalarInt(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, "matmultest size")
	}
	if n <= 0 || n > MaxMatrixSize {
		return nil, errors.Errorf("matmultest size must be in [1, %d], got %d", MaxMatrixSize, n)
	}

	a := RandomMatrix(n, n)
	b := RandomMatrix(n, n)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prod, err := MatMul(ctx, []*tensor.Dense{a, b})
	if err != nil {
		return nil, err
	}

	var sum float32
	for _, v := range prod[0].Float32s() {
		sum += v
	}
	return []*tensor.Dense{tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{sum}))}, nil
}

// RandomMatrix returns a rows×cols float32 matrix with values in [0, 1).
func RandomMatrix(rows, cols int) *tensor.Dense {
	backing := make([]float32, rows*cols)
	for i := range backing {
		backing[i] = rand.Float32()
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

func scalarInt(t *tensor.Dense) (int, error) {
	if t.Shape().TotalSize() != 1 {
		return 0, errors.Errorf("expected a single value, got shape %v", t.Shape())
	}
	switch v := t.Data().(type) {
	case []int64:
		return int(v[0]), nil
	case []int32:
		return int(v[0]), nil
	case []int:
		return v[0], nil
	case []float32:
		return int(v[0]), nil
	case []float64:
		return int(v[0]), nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
}

func float32Input(name string, inputs []*tensor.Dense) ([]float32, tensor.Shape, error) {
	if err := arity(name, inputs, 1); err != nil {
		return nil, nil, err
	}
	in := inputs[0]
	if in.Dtype() != tensor.Float32 {
		return nil, nil, errors.Errorf("%s expects float32, got %v", name, in.Dtype())
	}
	if in.IsMaterializable() {
		in = in.Materialize().(*tensor.Dense)
	}
	return in.Float32s(), in.Shape().Clone(), nil
}

// Softmax normalises each row along the last axis.
func Softmax(_ context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	data, shape, err := float32Input("softmax", inputs)
	if err != nil {
		return nil, err
	}
	width := 1
	if len(shape) > 0 {
		width = shape[len(shape)-1]
	}
	out := make([]float32, len(data))
	if width == 0 {
		return []*tensor.Dense{tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))}, nil
	}
	for start := 0; start < len(data); start += width {
		row := data[start : start+width]
		maxv := row[0]
		for _, v := range row[1:] {
			maxv = math32.Max(maxv, v)
		}
		var sum float32
		for i, v := range row {
			e := math32.Exp(v - maxv)
			out[start+i] = e
			sum += e
		}
		for i := range row {
			out[start+i] /= sum
		}
	}
	return []*tensor.Dense{tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))}, nil
}

// ReLU clamps negative values to zero.
func ReLU(_ context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	data, shape, err := float32Input("relu", inputs)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = math32.Max(0, v)
	}
	return []*tensor.Dense{tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))}, nil
}

// Echo returns its inputs unchanged.
func Echo(_ context.Context, inputs []*tensor.Dense) ([]*tensor.Dense, error) {
	return inputs, nil
}
