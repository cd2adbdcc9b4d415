package bench

import (
	"context"
	"fmt"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/serializer"
	"gorgonia.org/tensor"
)

// Dispatcher sends a named operation to a worker. *offload.Channel implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, op string, operands ...*operand.Operand) (*serializer.Response, error)
}

// EvaluatorWorkload evaluates inputs once per iteration and discards the
// outputs. The evaluator may be local or an offload.Evaluator.
func EvaluatorWorkload(e compute.Evaluator, inputs ...*tensor.Dense) Workload {
	return func(ctx context.Context) error {
		if _, err := e.Evaluate(ctx, inputs...); err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		return nil
	}
}

// DispatchWorkload dispatches op with operands once per iteration.
func DispatchWorkload(d Dispatcher, op string, operands ...*operand.Operand) Workload {
	return func(ctx context.Context) error {
		if _, err := d.Dispatch(ctx, op, operands...); err != nil {
			return fmt.Errorf("dispatch %s: %w", op, err)
		}
		return nil
	}
}
