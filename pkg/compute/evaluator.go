package compute

import (
	"context"

	"gorgonia.org/tensor"
)

// Evaluator runs one unit of inference work: input tensors in, output tensors out.
type Evaluator interface {
	Evaluate(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error)
}

// OpEvaluator evaluates a registered op in the calling process.
type OpEvaluator struct {
	name string
	op   Op
}

// NewOpEvaluator looks up name in reg.
func NewOpEvaluator(reg *Registry, name string) (*OpEvaluator, error) {
	op, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &OpEvaluator{name: name, op: op}, nil
}

// Name returns the operation the evaluator runs.
func (e *OpEvaluator) Name() string { return e.name }

func (e *OpEvaluator) Evaluate(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error) {
	return e.op(ctx, inputs)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error) {
	return f(ctx, inputs...)
}
