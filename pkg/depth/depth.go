// Package depth orchestrates the runtime lifecycle (capability probe,
// model load, session creation) and exposes the single inference call
// that turns a raster into a normalized depth field. All runtime state
// lives on the Estimator instance; there are no package singletons.
package depth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nn"
	"github.com/medvis3d/relief/pkg/nnload"
	"github.com/medvis3d/relief/pkg/raster"
	"github.com/medvis3d/relief/pkg/tensor"
)

var ErrNotReady = errors.New("Inference runtime is not ready")

// RuntimeStatus is the lifecycle state of the estimator.
type RuntimeStatus string

const (
	StatusIdle      RuntimeStatus = "idle"
	StatusDetecting RuntimeStatus = "detecting"
	StatusLoading   RuntimeStatus = "loading"
	StatusReady     RuntimeStatus = "ready"
	StatusError     RuntimeStatus = "error"
)

// InferenceStatus is the per-call state of one Estimate invocation.
type InferenceStatus string

const (
	InferenceIdle           InferenceStatus = "idle"
	InferencePreprocessing  InferenceStatus = "preprocessing"
	InferenceInferring      InferenceStatus = "inferring"
	InferencePostprocessing InferenceStatus = "postprocessing"
	InferenceComplete       InferenceStatus = "complete"
	InferenceError          InferenceStatus = "error"
)

// Result is one completed depth estimation.
type Result struct {
	Depth   *tensor.DepthField
	Elapsed time.Duration // wall clock, call start to normalized field
}

// Estimator owns the shared inference session and the guards around
// it. Create one per process (or per model) and share it; Initialize
// and Estimate are safe to call from multiple goroutines.
type Estimator struct {
	log    logs.Log
	loader *nnload.Loader

	// detect is hwcap.Detect, swappable in tests.
	detect func(logs.Log) hwcap.Capabilities

	// Single-flight guard: a second Initialize while one is pending is
	// dropped, not queued.
	initializing atomic.Bool

	mu      sync.Mutex
	status  RuntimeStatus
	caps    *hwcap.Capabilities
	session nn.Session
	lastErr error
}

// NewEstimator builds an idle estimator. Nothing is probed or loaded
// until Initialize.
func NewEstimator(log logs.Log, engine nn.Engine, loadOpts nnload.Options) *Estimator {
	return &Estimator{
		log:    log,
		loader: nnload.NewLoader(log, engine, loadOpts),
		detect: hwcap.Detect,
		status: StatusIdle,
	}
}

// Initialize runs capability detection, then model load and session
// creation. Idempotent once ready; a concurrent duplicate call is a
// silent no-op.
func (e *Estimator) Initialize(ctx context.Context, onProgress nnload.ProgressFunc) error {
	if !e.initializing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.initializing.Store(false)

	e.mu.Lock()
	if e.status == StatusReady {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusDetecting
	e.mu.Unlock()

	caps := e.detect(e.log)

	e.mu.Lock()
	e.caps = &caps
	e.status = StatusLoading
	e.mu.Unlock()

	session, err := e.loader.Load(ctx, caps.Recommended, onProgress)
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.session = session
	e.status = StatusReady
	e.lastErr = nil
	e.mu.Unlock()
	e.log.Infof("Inference runtime ready (backend: %v)", caps.Recommended)
	return nil
}

// Estimate runs one depth inference. Requires a ready runtime. The
// optional onStatus callback observes the per-call state transitions.
// A failed call leaves the session intact; the next call with a valid
// input succeeds.
func (e *Estimator) Estimate(ctx context.Context, r *raster.Raster, onStatus func(InferenceStatus)) (*Result, error) {
	status := func(InferenceStatus) {}
	if onStatus != nil {
		status = onStatus
	}

	e.mu.Lock()
	session := e.session
	ready := e.status == StatusReady
	e.mu.Unlock()
	if !ready || session == nil {
		return nil, ErrNotReady
	}

	start := time.Now()

	status(InferencePreprocessing)
	input := tensor.Preprocess(r)
	if err := ctx.Err(); err != nil {
		status(InferenceError)
		return nil, err
	}

	status(InferenceInferring)
	// Input and output names are model-export-dependent; bind the first
	// declared of each. The onnx engine rejects name-less models at
	// session creation, but other Session implementations may not.
	inNames, outNames := session.InputNames(), session.OutputNames()
	if len(inNames) == 0 || len(outNames) == 0 {
		status(InferenceError)
		return nil, nn.ErrNoModelIO
	}
	inputName := inNames[0]
	outputName := outNames[0]
	results, err := session.Run(map[string]*nn.Tensor{inputName: input})
	if err != nil {
		status(InferenceError)
		return nil, err
	}
	out, ok := results[outputName]
	if !ok {
		status(InferenceError)
		return nil, nn.ErrNoSuchOutput
	}

	status(InferencePostprocessing)
	field, err := tensor.Postprocess(out)
	if err != nil {
		status(InferenceError)
		return nil, err
	}

	elapsed := time.Since(start)
	status(InferenceComplete)
	e.log.Infof("Depth estimation complete in %v (%vx%v field)", elapsed.Round(time.Millisecond), field.Width, field.Height)
	return &Result{Depth: field, Elapsed: elapsed}, nil
}

// Status returns the runtime lifecycle state.
func (e *Estimator) Status() RuntimeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Capabilities returns the probe result, or nil before detection.
func (e *Estimator) Capabilities() *hwcap.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

// LastError returns the error that moved the runtime into StatusError,
// or nil.
func (e *Estimator) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Reset closes the session and returns the estimator to idle. The next
// Initialize re-detects capabilities.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
	e.caps = nil
	e.lastErr = nil
	e.status = StatusIdle
}
