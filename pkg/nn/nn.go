// Package nn is the neural inference interface layer. It abstracts the
// inference engine behind a narrow Engine/Session pair so that the
// tensor pipeline and the orchestrator are engine-agnostic. To load a
// model, use the nnload package; for the concrete ONNX Runtime engine,
// see the onnx package.
package nn

import (
	"errors"
	"fmt"

	"github.com/medvis3d/relief/pkg/hwcap"
)

var (
	ErrNoSuchOutput = errors.New("Named output not found in inference results")
	ErrNoModelIO    = errors.New("Model declares no inputs or outputs")
)

// Engine creates inference sessions from a model binary.
type Engine interface {
	// CreateSession builds a session from raw model bytes, preferring
	// the hinted backend with CPU as automatic fallback.
	CreateSession(model []byte, backend hwcap.Backend) (Session, error)
}

// Session is a loaded model bound to an execution backend. A session is
// immutable once created and safe to share; implementations serialize
// Run internally.
type Session interface {
	// InputNames returns the model's declared input names, in order.
	InputNames() []string

	// OutputNames returns the model's declared output names, in order.
	OutputNames() []string

	// Run executes the model. Inputs are keyed by input name; the result
	// holds one RawTensor per output name.
	Run(inputs map[string]*Tensor) (map[string]*RawTensor, error)

	// Close releases the session. No calls may follow.
	Close()
}

// Tensor is a float32 input tensor. Data is laid out per Shape, eg
// [1,3,H,W] is planar channel-major.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NumElements returns the product of the shape dimensions.
func (t *Tensor) NumElements() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// ElementKind identifies the numeric element type of a raw output
// tensor. Depth models commonly emit float32, but quantized or oddly
// exported graphs can produce integer tensors.
type ElementKind int

const (
	Float32 ElementKind = iota
	Int32
	Int64
	Uint8
)

func (k ElementKind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("ElementKind(%d)", int(k))
}

// RawTensor is a model output in whichever element type the engine
// produced. Exactly one of the data slices is populated, per Kind.
type RawTensor struct {
	Shape []int64
	Kind  ElementKind
	F32   []float32
	I32   []int32
	I64   []int64
	U8    []uint8
}

// Len returns the number of elements.
func (t *RawTensor) Len() int {
	switch t.Kind {
	case Float32:
		return len(t.F32)
	case Int32:
		return len(t.I32)
	case Int64:
		return len(t.I64)
	case Uint8:
		return len(t.U8)
	}
	return 0
}

// Float32s widens the tensor elements to float32. For Float32 tensors
// the underlying slice is returned as-is, not copied.
func (t *RawTensor) Float32s() []float32 {
	switch t.Kind {
	case Float32:
		return t.F32
	case Int32:
		out := make([]float32, len(t.I32))
		for i, v := range t.I32 {
			out[i] = float32(v)
		}
		return out
	case Int64:
		out := make([]float32, len(t.I64))
		for i, v := range t.I64 {
			out[i] = float32(v)
		}
		return out
	case Uint8:
		out := make([]float32, len(t.U8))
		for i, v := range t.U8 {
			out[i] = float32(v)
		}
		return out
	}
	return nil
}
