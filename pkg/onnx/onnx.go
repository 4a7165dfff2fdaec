// Package onnx implements the nn.Engine interface on ONNX Runtime via
// the onnxruntime_go binding. The runtime environment is process-global
// and initialized once, on first session creation.
package onnx

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nn"
)

// Engine creates ONNX Runtime sessions.
type Engine struct {
	Log logs.Log

	// LibraryPath overrides the default location of the onnxruntime
	// shared library. Empty = per-OS default under third_party/.
	LibraryPath string
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func (e *Engine) initRuntime() error {
	ortInitOnce.Do(func() {
		path := e.LibraryPath
		if path == "" {
			path = defaultLibraryPath()
		}
		ort.SetSharedLibraryPath(path)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so"
		}
		return "third_party/onnxruntime.so"
	}
}

// CreateSession builds a session from raw model bytes. For the GPU
// backend we append the CUDA execution provider and keep CPU as the
// implicit fallback, so a machine whose GPU provider fails to register
// still gets a working session.
func (e *Engine) CreateSession(model []byte, backend hwcap.Backend) (nn.Session, error) {
	if err := e.initRuntime(); err != nil {
		return nil, fmt.Errorf("initialize ONNX Runtime: %w", err)
	}

	// Input/output names vary by model export, so read them from the
	// model itself.
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, nn.ErrNoModelIO
	}
	inNames := make([]string, len(inputs))
	for i, info := range inputs {
		inNames[i] = info.Name
	}
	outNames := make([]string, len(outputs))
	for i, info := range outputs {
		outNames[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, err
	}
	if backend == hwcap.BackendGPU {
		if err := appendCUDAProvider(options); err != nil {
			e.Log.Warnf("GPU execution provider unavailable, falling back to CPU: %v", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(model, inNames, outNames, options)
	if err != nil {
		return nil, fmt.Errorf("create inference session: %w", err)
	}
	return &session{
		sess:    sess,
		inputs:  inNames,
		outputs: outNames,
	}, nil
}

func appendCUDAProvider(options *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	return options.AppendExecutionProviderCUDA(cudaOpts)
}

// session wraps a DynamicAdvancedSession. ONNX Runtime documents Run as
// thread-safe, but our output-allocation pattern is not, so Run is
// serialized with a mutex.
type session struct {
	mu      sync.Mutex
	sess    *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func (s *session) InputNames() []string {
	return s.inputs
}

func (s *session) OutputNames() []string {
	return s.outputs
}

func (s *session) Run(inputs map[string]*nn.Tensor) (map[string]*nn.RawTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ortInputs := make([]ort.Value, len(s.inputs))
	defer func() {
		for _, v := range ortInputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, name := range s.inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor %q", name)
		}
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("create input tensor %q: %w", name, err)
		}
		ortInputs[i] = v
	}

	// nil outputs are allocated by the runtime; we own them afterwards.
	ortOutputs := make([]ort.Value, len(s.outputs))
	if err := s.sess.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	results := map[string]*nn.RawTensor{}
	for i, name := range s.outputs {
		raw, err := convertOutput(ortOutputs[i])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		results[name] = raw
	}
	return results, nil
}

// convertOutput copies an ONNX Runtime value into an engine-agnostic
// RawTensor. The copy is deliberate: the source buffer dies with the
// ort.Value.
func convertOutput(v ort.Value) (*nn.RawTensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return &nn.RawTensor{
			Shape: t.GetShape(),
			Kind:  nn.Float32,
			F32:   append([]float32(nil), t.GetData()...),
		}, nil
	case *ort.Tensor[int32]:
		return &nn.RawTensor{
			Shape: t.GetShape(),
			Kind:  nn.Int32,
			I32:   append([]int32(nil), t.GetData()...),
		}, nil
	case *ort.Tensor[int64]:
		return &nn.RawTensor{
			Shape: t.GetShape(),
			Kind:  nn.Int64,
			I64:   append([]int64(nil), t.GetData()...),
		}, nil
	case *ort.Tensor[uint8]:
		return &nn.RawTensor{
			Shape: t.GetShape(),
			Kind:  nn.Uint8,
			U8:    append([]uint8(nil), t.GetData()...),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported output element type %T", v)
	}
}

func (s *session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		s.sess.Destroy()
		s.sess = nil
	}
}
