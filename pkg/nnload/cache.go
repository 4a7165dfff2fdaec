package nnload

// Disk cache for the model binary, keyed by the model URL. The
// namespace directory carries the cache version: bumping it orphans
// (and thereby invalidates) every previously stored entry.

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

const cacheNamespace = "models-v1"

func cachePath(cacheDir, modelURL string) string {
	sum := sha256.Sum256([]byte(modelURL))
	return filepath.Join(cacheDir, cacheNamespace, hex.EncodeToString(sum[:])+".onnx")
}

// readCache returns the cached model bytes, or (nil, nil) on a miss.
// A zero-byte entry counts as a miss: an empty model is never valid,
// so re-download rather than hand it to the engine.
func (l *Loader) readCache() ([]byte, error) {
	data, err := os.ReadFile(cachePath(l.opts.CacheDir, l.opts.ModelURL))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// writeCache persists the model via temp-file-and-rename so a crashed
// write can't leave a torn entry behind.
func (l *Loader) writeCache(model []byte) error {
	target := cachePath(l.opts.CacheDir, l.opts.ModelURL)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	temp := target + ".tmp"
	if err := os.WriteFile(temp, model, 0644); err != nil {
		return err
	}
	return os.Rename(temp, target)
}

// IsCached reports whether a previous load stored this model.
func IsCached(cacheDir, modelURL string) bool {
	_, err := os.Stat(cachePath(cacheDir, modelURL))
	return err == nil
}

// ClearCache removes every cached model in the namespace.
func ClearCache(cacheDir string) error {
	return os.RemoveAll(filepath.Join(cacheDir, cacheNamespace))
}
