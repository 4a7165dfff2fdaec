// Package nnload acquires the depth model binary and turns it into a
// ready inference session. It checks a local content cache first, else
// streams the download with byte progress, then hands the bytes to the
// engine. Callers observe the whole thing through stage callbacks.
package nnload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nn"
)

// Stage identifies where in the load pipeline a progress report (or a
// failure) originated.
type Stage string

const (
	StageCheckingCache   Stage = "checking-cache"
	StageDownloading     Stage = "downloading"
	StageCreatingSession Stage = "creating-session"
	StageReady           Stage = "ready"
	StageError           Stage = "error"
)

// Progress is one observation of the load pipeline.
type Progress struct {
	Stage   Stage
	Percent int // 0..100 within the stage
	Message string
}

// ProgressFunc receives progress reports. Called synchronously; keep it
// cheap.
type ProgressFunc func(Progress)

// Error is a load failure tagged with the stage that produced it, so
// the caller can message the user appropriately.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model load failed (%v): %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DefaultEstimatedSize is used for download progress when the server
// omits Content-Length.
const DefaultEstimatedSize = 50 * 1024 * 1024

// Options configures a Loader. Zero values get sensible defaults.
type Options struct {
	ModelURL      string
	CacheDir      string        // default: os.UserCacheDir()/relief
	EstimatedSize int64         // progress fallback, default DefaultEstimatedSize
	Client        *http.Client  // default: 5 minute timeout client
}

// Loader downloads, caches and instantiates the model. Safe to call
// Load repeatedly; each call is an independent attempt (no internal
// retry).
type Loader struct {
	log    logs.Log
	engine nn.Engine
	opts   Options
}

func NewLoader(log logs.Log, engine nn.Engine, opts Options) *Loader {
	if opts.EstimatedSize <= 0 {
		opts.EstimatedSize = DefaultEstimatedSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			opts.CacheDir = dir + "/relief"
		} else {
			opts.CacheDir = os.TempDir() + "/relief"
		}
	}
	return &Loader{log: log, engine: engine, opts: opts}
}

// Load produces a ready session. Stage order on a cache miss:
// checking-cache, downloading (0..100), creating-session, ready. On a
// cache hit the download stage reports 100 immediately. Failures report
// the error stage and return a *Error; retrying is the caller's call.
func (l *Loader) Load(ctx context.Context, backend hwcap.Backend, onProgress ProgressFunc) (nn.Session, error) {
	report := onProgress
	if report == nil {
		report = func(Progress) {}
	}

	report(Progress{Stage: StageCheckingCache, Percent: 0, Message: "Checking for cached model..."})
	model, err := l.readCache()
	if err != nil {
		// Cache trouble is never fatal, it just means we download.
		l.log.Warnf("Model cache read failed: %v", err)
	}

	if model != nil {
		l.log.Infof("Model loaded from cache (%.1f MB)", float64(len(model))/1024/1024)
		report(Progress{Stage: StageDownloading, Percent: 100, Message: "Loaded from cache"})
	} else {
		model, err = l.download(ctx, report)
		if err != nil {
			report(Progress{Stage: StageError, Message: err.Error()})
			return nil, &Error{Stage: StageDownloading, Err: err}
		}
		// Best effort: a failed cache write must not fail the load.
		if err := l.writeCache(model); err != nil {
			l.log.Warnf("Model cache write failed: %v", err)
		}
	}

	report(Progress{Stage: StageCreatingSession, Percent: 0, Message: "Initializing inference engine..."})
	session, err := l.engine.CreateSession(model, backend)
	if err != nil {
		report(Progress{Stage: StageError, Message: err.Error()})
		return nil, &Error{Stage: StageCreatingSession, Err: err}
	}

	report(Progress{Stage: StageReady, Percent: 100, Message: "Model ready"})
	return session, nil
}

// download streams the model, reporting received/total progress. The
// reported percentage is capped at 99 until the body is fully read, so
// an underestimated total can't show a premature 100.
func (l *Loader) download(ctx context.Context, report ProgressFunc) ([]byte, error) {
	report(Progress{Stage: StageDownloading, Percent: 0, Message: "Downloading model..."})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.opts.ModelURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %v", resp.Status)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = l.opts.EstimatedSize
	}

	model := make([]byte, 0, total)
	chunk := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			model = append(model, chunk[:n]...)
			percent := int(int64(len(model)) * 100 / total)
			if percent > 99 {
				percent = 99
			}
			report(Progress{
				Stage:   StageDownloading,
				Percent: percent,
				Message: fmt.Sprintf("Downloading: %.1f MB", float64(len(model))/1024/1024),
			})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	report(Progress{Stage: StageDownloading, Percent: 100, Message: "Download complete"})
	return model, nil
}
