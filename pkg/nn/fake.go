package nn

// Fake engine and session for unit tests of the loader and the
// orchestrator. FakeSession echoes a configurable output for any input.

import "github.com/medvis3d/relief/pkg/hwcap"

// FakeEngine implements Engine without any native runtime.
type FakeEngine struct {
	// CreateErr, when set, is returned by CreateSession.
	CreateErr error

	// Session returned on success. If nil, a default FakeSession is built.
	Session *FakeSession

	// Recorded arguments of the last CreateSession call.
	LastModel   []byte
	LastBackend hwcap.Backend
	Creates     int
}

func (e *FakeEngine) CreateSession(model []byte, backend hwcap.Backend) (Session, error) {
	e.Creates++
	e.LastModel = model
	e.LastBackend = backend
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &FakeSession{
		Inputs:  []string{"pixel_values"},
		Outputs: []string{"predicted_depth"},
	}, nil
}

// FakeSession implements Session. Each Run returns Output (or RunErr)
// and records the tensors it was given.
type FakeSession struct {
	Inputs  []string
	Outputs []string
	Output  *RawTensor
	RunErr  error

	Runs   int
	LastIn map[string]*Tensor
	Closed bool
}

func (s *FakeSession) InputNames() []string  { return s.Inputs }
func (s *FakeSession) OutputNames() []string { return s.Outputs }

func (s *FakeSession) Run(inputs map[string]*Tensor) (map[string]*RawTensor, error) {
	s.Runs++
	s.LastIn = inputs
	if s.RunErr != nil {
		return nil, s.RunErr
	}
	out := s.Output
	if out == nil {
		out = &RawTensor{Shape: []int64{1, 1, 1}, Kind: Float32, F32: []float32{0}}
	}
	results := map[string]*RawTensor{}
	for _, name := range s.Outputs {
		results[name] = out
	}
	return results, nil
}

func (s *FakeSession) Close() {
	s.Closed = true
}
