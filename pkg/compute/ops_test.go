package compute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func dense(shape []int, backing any) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func TestRegistry(t *testing.T) {
	reg := Builtins()
	assert.Equal(t, []string{"echo", "matmul", "matmultest", "relu", "softmax"}, reg.Names())

	_, err := reg.Lookup("conv2d")
	require.ErrorIs(t, err, ErrUnknownOperation)
	assert.Contains(t, err.Error(), "conv2d")

	require.NoError(t, reg.Register("double", Echo))
	require.Error(t, reg.Register("double", Echo))
	require.Error(t, reg.Register("", Echo))
}

func TestMatMul(t *testing.T) {
	a := dense([]int{2, 2}, []float32{1, 2, 3, 4})
	b := dense([]int{2, 1}, []float32{5, 6})

	out, err := MatMul(context.Background(), []*tensor.Dense{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, tensor.Shape{2, 1}, out[0].Shape())
	assert.Equal(t, []float32{17, 39}, out[0].Float32s())
}

func TestMatMul_Errors(t *testing.T) {
	a := dense([]int{2, 2}, []float32{1, 2, 3, 4})

	_, err := MatMul(context.Background(), []*tensor.Dense{a})
	assert.ErrorContains(t, err, "expects 2 operand(s)")

	_, err = MatMul(context.Background(), []*tensor.Dense{a, dense([]int{3, 1}, []float32{1, 2, 3})})
	assert.Error(t, err)

	_, err = MatMul(context.Background(), []*tensor.Dense{a, dense([]int{2}, []float32{1, 2})})
	assert.ErrorContains(t, err, "matrices")
}

func TestMatMulTest(t *testing.T) {
	out, err := MatMulTest(context.Background(), []*tensor.Dense{dense([]int{1}, []int64{8})})
	require.NoError(t, err)
	require.Len(t, out, 1)
	sum := out[0].Float32s()
	require.Len(t, sum, 1)
	// 8x8 product of values in [0,1) sums to at most 8*8*8.
	assert.GreaterOrEqual(t, sum[0], float32(0))
	assert.Less(t, sum[0], float32(512))

	for _, n := range []int64{0, -3, MaxMatrixSize + 1, 1 << 32} {
		_, err = MatMulTest(context.Background(), []*tensor.Dense{dense([]int{1}, []int64{n})})
		assert.Error(t, err, "n=%d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = MatMulTest(ctx, []*tensor.Dense{dense([]int{1}, []int64{4})})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSoftmax(t *testing.T) {
	in := dense([]int{2, 2}, []float32{0, 0, 1, 1})
	out, err := Softmax(context.Background(), []*tensor.Dense{in})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, out[0].Float32s(), 1e-6)

	_, err = Softmax(context.Background(), []*tensor.Dense{dense([]int{1}, []int64{1})})
	assert.ErrorContains(t, err, "float32")
}

func TestReLU(t *testing.T) {
	out, err := ReLU(context.Background(), []*tensor.Dense{dense([]int{4}, []float32{-1, 0, 2, -0.5})})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2, 0}, out[0].Float32s())
}

func TestOpEvaluator(t *testing.T) {
	ev, err := NewOpEvaluator(Builtins(), "relu")
	require.NoError(t, err)
	assert.Equal(t, "relu", ev.Name())

	out, err := ev.Evaluate(context.Background(), dense([]int{2}, []float32{-3, 3}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3}, out[0].Float32s())

	_, err = NewOpEvaluator(Builtins(), "missing")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}
