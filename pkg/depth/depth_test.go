package depth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nn"
	"github.com/medvis3d/relief/pkg/nnload"
	"github.com/medvis3d/relief/pkg/raster"
	"github.com/medvis3d/relief/pkg/tensor"
)

func modelServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("model bytes"))
	}))
	t.Cleanup(server.Close)
	return server
}

func cpuCaps() hwcap.Capabilities {
	return hwcap.Capabilities{Recommended: hwcap.BackendCPU, Perf: hwcap.PerfLow}
}

func newTestEstimator(t *testing.T, engine nn.Engine) *Estimator {
	server := modelServer(t)
	e := NewEstimator(logs.NewTestingLog(t), engine, nnload.Options{
		ModelURL: server.URL,
		CacheDir: t.TempDir(),
	})
	e.detect = func(logs.Log) hwcap.Capabilities { return cpuCaps() }
	return e
}

func testRaster() *raster.Raster {
	r := raster.New(8, 8)
	for i := 0; i < r.NumPixels(); i++ {
		r.SetGray(i, byte(i*4))
	}
	return r
}

func TestInitializeLifecycle(t *testing.T) {
	engine := &nn.FakeEngine{}
	e := newTestEstimator(t, engine)
	require.Equal(t, StatusIdle, e.Status())

	require.NoError(t, e.Initialize(context.Background(), nil))
	require.Equal(t, StatusReady, e.Status())
	require.NotNil(t, e.Capabilities())
	require.Equal(t, hwcap.BackendCPU, engine.LastBackend)
	require.Equal(t, 1, engine.Creates)

	// Re-initializing once ready is a no-op.
	require.NoError(t, e.Initialize(context.Background(), nil))
	require.Equal(t, 1, engine.Creates)
}

func TestInitializeError(t *testing.T) {
	engine := &nn.FakeEngine{CreateErr: errors.New("bad graph")}
	e := newTestEstimator(t, engine)

	err := e.Initialize(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, StatusError, e.Status())
	require.ErrorContains(t, e.LastError(), "bad graph")

	// The caller may retry with a fresh call.
	engine.CreateErr = nil
	require.NoError(t, e.Initialize(context.Background(), nil))
	require.Equal(t, StatusReady, e.Status())
}

// blockingEngine parks CreateSession until released, to hold an
// Initialize in flight.
type blockingEngine struct {
	release chan struct{}
	entered chan struct{}
	creates int
	mu      sync.Mutex
}

func (b *blockingEngine) CreateSession(model []byte, backend hwcap.Backend) (nn.Session, error) {
	b.mu.Lock()
	b.creates++
	b.mu.Unlock()
	close(b.entered)
	<-b.release
	return &nn.FakeSession{
		Inputs:  []string{"pixel_values"},
		Outputs: []string{"predicted_depth"},
	}, nil
}

func TestInitializeSingleFlight(t *testing.T) {
	engine := &blockingEngine{
		release: make(chan struct{}),
		entered: make(chan struct{}),
	}
	e := newTestEstimator(t, engine)

	done := make(chan error, 1)
	go func() {
		done <- e.Initialize(context.Background(), nil)
	}()
	<-engine.entered

	// Duplicate call while the first is pending: dropped, not queued.
	require.NoError(t, e.Initialize(context.Background(), nil))

	close(engine.release)
	require.NoError(t, <-done)
	require.Equal(t, StatusReady, e.Status())
	require.Equal(t, 1, engine.creates)
}

func TestEstimateRequiresReady(t *testing.T) {
	e := newTestEstimator(t, &nn.FakeEngine{})
	_, err := e.Estimate(context.Background(), testRaster(), nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestEstimateHappyPath(t *testing.T) {
	session := &nn.FakeSession{
		Inputs:  []string{"pixel_values"},
		Outputs: []string{"predicted_depth"},
		Output: &nn.RawTensor{
			Shape: []int64{1, 2, 2},
			Kind:  nn.Float32,
			F32:   []float32{0, 1, 2, 3},
		},
	}
	engine := &nn.FakeEngine{Session: session}
	e := newTestEstimator(t, engine)
	require.NoError(t, e.Initialize(context.Background(), nil))

	var seen []InferenceStatus
	result, err := e.Estimate(context.Background(), testRaster(), func(s InferenceStatus) {
		seen = append(seen, s)
	})
	require.NoError(t, err)
	require.Equal(t, []InferenceStatus{
		InferencePreprocessing, InferenceInferring, InferencePostprocessing, InferenceComplete,
	}, seen)

	require.Greater(t, result.Elapsed, time.Duration(0))
	require.InDelta(t, 0, result.Depth.Values[0], 1e-6)
	require.InDelta(t, 1.0/3, result.Depth.Values[1], 1e-6)
	require.InDelta(t, 1, result.Depth.Values[3], 1e-6)

	// The tensor bound to the session's first input has the model shape.
	input := session.LastIn["pixel_values"]
	require.NotNil(t, input)
	require.Equal(t, []int64{1, 3, tensor.InputSize, tensor.InputSize}, input.Shape)
}

// A failed inference must not poison the session: the next call with a
// valid input succeeds.
func TestEstimateErrorDoesNotCorruptSession(t *testing.T) {
	session := &nn.FakeSession{
		Inputs:  []string{"in"},
		Outputs: []string{"out"},
	}
	engine := &nn.FakeEngine{Session: session}
	e := newTestEstimator(t, engine)
	require.NoError(t, e.Initialize(context.Background(), nil))

	session.RunErr = errors.New("shape mismatch")
	var last InferenceStatus
	_, err := e.Estimate(context.Background(), testRaster(), func(s InferenceStatus) { last = s })
	require.Error(t, err)
	require.Equal(t, InferenceError, last)
	require.Equal(t, StatusReady, e.Status())

	session.RunErr = nil
	_, err = e.Estimate(context.Background(), testRaster(), nil)
	require.NoError(t, err)
}

// missingOutputSession returns results that lack the declared output.
type missingOutputSession struct {
	nn.FakeSession
}

func (s *missingOutputSession) Run(map[string]*nn.Tensor) (map[string]*nn.RawTensor, error) {
	return map[string]*nn.RawTensor{}, nil
}

func TestEstimateMissingOutput(t *testing.T) {
	session := &missingOutputSession{}
	session.Inputs = []string{"in"}
	session.Outputs = []string{"out"}
	e := newTestEstimator(t, fakeEngineFor(session))
	require.NoError(t, e.Initialize(context.Background(), nil))

	_, err := e.Estimate(context.Background(), testRaster(), nil)
	require.ErrorIs(t, err, nn.ErrNoSuchOutput)
}

// fakeEngineFor adapts an arbitrary session to an engine.
type sessionEngine struct {
	session nn.Session
}

func fakeEngineFor(s nn.Session) nn.Engine {
	return &sessionEngine{session: s}
}

func (e *sessionEngine) CreateSession([]byte, hwcap.Backend) (nn.Session, error) {
	return e.session, nil
}

// A session that declares no input or output names must produce an
// error, not a panic, whatever engine it came from.
func TestEstimateNamelessSession(t *testing.T) {
	session := &nn.FakeSession{}
	e := newTestEstimator(t, fakeEngineFor(session))
	require.NoError(t, e.Initialize(context.Background(), nil))

	var last InferenceStatus
	_, err := e.Estimate(context.Background(), testRaster(), func(s InferenceStatus) { last = s })
	require.ErrorIs(t, err, nn.ErrNoModelIO)
	require.Equal(t, InferenceError, last)
}

func TestReset(t *testing.T) {
	session := &nn.FakeSession{
		Inputs:  []string{"in"},
		Outputs: []string{"out"},
	}
	engine := &nn.FakeEngine{Session: session}
	e := newTestEstimator(t, engine)
	require.NoError(t, e.Initialize(context.Background(), nil))

	e.Reset()
	require.Equal(t, StatusIdle, e.Status())
	require.Nil(t, e.Capabilities())
	require.True(t, session.Closed)

	_, err := e.Estimate(context.Background(), testRaster(), nil)
	require.ErrorIs(t, err, ErrNotReady)

	// Re-initialization works after reset.
	require.NoError(t, e.Initialize(context.Background(), nil))
	require.Equal(t, StatusReady, e.Status())
}
