//go:build onnx

package compute

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// ONNXConfig describes a single-input, single-output float32 model.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ONNXEvaluator runs a model through onnxruntime.
type ONNXEvaluator struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

var ortInit sync.Once

// NewONNXEvaluator loads the model and prepares a session. The runtime
// environment is initialised once per process.
func NewONNXEvaluator(cfg ONNXConfig) (*ONNXEvaluator, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model %s", cfg.ModelPath)
	}
	var initErr error
	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, errors.Wrap(initErr, "initializing onnxruntime")
	}
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime environment is not initialized")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, errors.Wrapf(err, "loading model %s", cfg.ModelPath)
	}
	return &ONNXEvaluator{session: session}, nil
}

func (e *ONNXEvaluator) Evaluate(ctx context.Context, inputs ...*tensor.Dense) ([]*tensor.Dense, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("onnx model expects 1 input, got %d", len(inputs))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, shape, err := float32Input("onnx", inputs)
	if err != nil {
		return nil, err
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	in, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, errors.New("onnx evaluator is closed")
	}
	err = e.session.Run([]ort.Value{in}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "running model")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("model output is %T, want float32 tensor", outputs[0])
	}
	outShape := make([]int, len(out.GetShape()))
	for i, d := range out.GetShape() {
		outShape[i] = int(d)
	}
	backing := append([]float32(nil), out.GetData()...)
	return []*tensor.Dense{tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(backing))}, nil
}

// Close releases the session.
func (e *ONNXEvaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	if err != nil {
		return errors.Wrap(err, "destroying session")
	}
	return nil
}
