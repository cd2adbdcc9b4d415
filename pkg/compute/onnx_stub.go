//go:build !onnx

package compute

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrONNXUnavailable is returned by binaries built without the onnx tag.
var ErrONNXUnavailable = errors.New("onnx support not compiled in (build with -tags onnx)")

// ONNXConfig describes a single-input, single-output float32 model.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXEvaluator is unavailable without the onnx build tag.
type ONNXEvaluator struct{}

// NewONNXEvaluator always fails without the onnx build tag.
func NewONNXEvaluator(cfg ONNXConfig) (*ONNXEvaluator, error) {
	return nil, errors.Wrapf(ErrONNXUnavailable, "model %s", cfg.ModelPath)
}

func (e *ONNXEvaluator) Evaluate(context.Context, ...*tensor.Dense) ([]*tensor.Dense, error) {
	return nil, ErrONNXUnavailable
}

func (e *ONNXEvaluator) Close() error { return nil }
