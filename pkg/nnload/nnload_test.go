package nnload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nn"
)

var testModel = []byte("not really an onnx graph, but the loader does not care")

func modelServer(t *testing.T, withLength bool) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !withLength {
			// Flushing first forces chunked encoding, so the client
			// sees no Content-Length.
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		}
		w.Write(testModel)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestLoader(t *testing.T, url string, engine nn.Engine) *Loader {
	return NewLoader(logs.NewTestingLog(t), engine, Options{
		ModelURL: url,
		CacheDir: t.TempDir(),
	})
}

type stageLog struct {
	reports []Progress
}

func (s *stageLog) record(p Progress) {
	s.reports = append(s.reports, p)
}

func (s *stageLog) stages() []Stage {
	var out []Stage
	for _, p := range s.reports {
		if len(out) == 0 || out[len(out)-1] != p.Stage {
			out = append(out, p.Stage)
		}
	}
	return out
}

func TestLoadCacheMiss(t *testing.T) {
	server := modelServer(t, true)
	engine := &nn.FakeEngine{}
	loader := newTestLoader(t, server.URL, engine)

	progress := &stageLog{}
	session, err := loader.Load(context.Background(), hwcap.BackendCPU, progress.record)
	require.NoError(t, err)
	require.NotNil(t, session)

	require.Equal(t, []Stage{StageCheckingCache, StageDownloading, StageCreatingSession, StageReady}, progress.stages())
	require.Equal(t, testModel, engine.LastModel)
	require.Equal(t, hwcap.BackendCPU, engine.LastBackend)

	// Download progress ends at exactly 100, never reporting 100 before
	// the body is complete.
	var sawFinal bool
	for _, p := range progress.reports {
		if p.Stage != StageDownloading {
			continue
		}
		if p.Message == "Download complete" {
			require.Equal(t, 100, p.Percent)
			sawFinal = true
		} else {
			require.LessOrEqual(t, p.Percent, 99)
		}
	}
	require.True(t, sawFinal)

	// And the binary is now cached.
	require.True(t, IsCached(loader.opts.CacheDir, loader.opts.ModelURL))
}

func TestLoadCacheHit(t *testing.T) {
	server := modelServer(t, true)
	engine := &nn.FakeEngine{}
	loader := newTestLoader(t, server.URL, engine)

	_, err := loader.Load(context.Background(), hwcap.BackendCPU, nil)
	require.NoError(t, err)
	server.Close() // further downloads would fail

	progress := &stageLog{}
	session, err := loader.Load(context.Background(), hwcap.BackendGPU, progress.record)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, hwcap.BackendGPU, engine.LastBackend)

	// Cache hit: downloading appears once, at 100, straight away.
	require.Equal(t, []Stage{StageCheckingCache, StageDownloading, StageCreatingSession, StageReady}, progress.stages())
	for _, p := range progress.reports {
		if p.Stage == StageDownloading {
			require.Equal(t, 100, p.Percent)
			require.Equal(t, "Loaded from cache", p.Message)
		}
	}
}

func TestLoadNoContentLength(t *testing.T) {
	server := modelServer(t, false)
	engine := &nn.FakeEngine{}
	loader := newTestLoader(t, server.URL, engine)

	_, err := loader.Load(context.Background(), hwcap.BackendCPU, nil)
	require.NoError(t, err)
	require.Equal(t, testModel, engine.LastModel)
}

func TestLoadDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()
	loader := newTestLoader(t, server.URL, &nn.FakeEngine{})

	progress := &stageLog{}
	_, err := loader.Load(context.Background(), hwcap.BackendCPU, progress.record)
	require.Error(t, err)

	var loadErr *Error
	require.ErrorAs(t, err, &loadErr)
	require.Equal(t, StageDownloading, loadErr.Stage)
	require.Equal(t, StageError, progress.stages()[len(progress.stages())-1])
}

func TestLoadSessionFailure(t *testing.T) {
	server := modelServer(t, true)
	engine := &nn.FakeEngine{CreateErr: errors.New("incompatible graph")}
	loader := newTestLoader(t, server.URL, engine)

	progress := &stageLog{}
	_, err := loader.Load(context.Background(), hwcap.BackendCPU, progress.record)
	require.Error(t, err)

	var loadErr *Error
	require.ErrorAs(t, err, &loadErr)
	require.Equal(t, StageCreatingSession, loadErr.Stage)
	require.ErrorContains(t, err, "incompatible graph")
}

// A cache directory we cannot write to degrades to a warning, not a
// failed load.
func TestCacheWriteFailureIsSoft(t *testing.T) {
	server := modelServer(t, true)
	engine := &nn.FakeEngine{}
	cacheDir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.MkdirAll(cacheDir, 0555))
	loader := NewLoader(logs.NewTestingLog(t), engine, Options{
		ModelURL: server.URL,
		CacheDir: cacheDir,
	})

	session, err := loader.Load(context.Background(), hwcap.BackendCPU, nil)
	require.NoError(t, err)
	require.NotNil(t, session)
}

// A zero-byte cache entry (eg an aborted write that survived) is a
// miss: the model is re-downloaded, not handed to the engine empty.
func TestEmptyCacheEntryIsMiss(t *testing.T) {
	server := modelServer(t, true)
	engine := &nn.FakeEngine{}
	loader := newTestLoader(t, server.URL, engine)

	target := cachePath(loader.opts.CacheDir, loader.opts.ModelURL)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, nil, 0644))

	_, err := loader.Load(context.Background(), hwcap.BackendCPU, nil)
	require.NoError(t, err)
	require.Equal(t, testModel, engine.LastModel)
}

func TestLoadContextCancelled(t *testing.T) {
	server := modelServer(t, true)
	loader := newTestLoader(t, server.URL, &nn.FakeEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loader.Load(ctx, hwcap.BackendCPU, nil)
	require.Error(t, err)
}

func TestClearCache(t *testing.T) {
	server := modelServer(t, true)
	loader := newTestLoader(t, server.URL, &nn.FakeEngine{})

	_, err := loader.Load(context.Background(), hwcap.BackendCPU, nil)
	require.NoError(t, err)
	require.True(t, IsCached(loader.opts.CacheDir, loader.opts.ModelURL))

	require.NoError(t, ClearCache(loader.opts.CacheDir))
	require.False(t, IsCached(loader.opts.CacheDir, loader.opts.ModelURL))
}
