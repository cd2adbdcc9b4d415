package offload

import (
	"context"
	"fmt"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/operand"
	"gorgonia.org/tensor"
)

// Evaluator runs a named operation on the worker, so a remote workload has
// the same shape as a local compute.Evaluator.
type Evaluator struct {
	channel *Channel
	op      string
}

var _ compute.Evaluator = (*Evaluator)(nil)

// NewEvaluator dispatches op on channel for every Evaluate call.
func NewEvaluator(channel *Channel, op string) *Evaluator {
	return &Evaluator{channel: channel, op: op}
}

func (e *Evaluator) Evaluate(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error) {
	operands, err := operand.FromTensors(inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.op, err)
	}
	resp, err := e.channel.Dispatch(ctx, e.op, operands...)
	if err != nil {
		return nil, err
	}
	return operand.Tensors(resp.Results)
}
