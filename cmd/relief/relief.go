package main

// relief decodes a medical image (DICOM, JPEG or PNG), runs monocular
// depth estimation on it, and writes the normalized depth field as a
// grayscale PNG for the 3D viewer to displace a mesh with.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/medvis3d/relief/pkg/config"
	"github.com/medvis3d/relief/pkg/depth"
	"github.com/medvis3d/relief/pkg/dicom"
	"github.com/medvis3d/relief/pkg/hwcap"
	"github.com/medvis3d/relief/pkg/nnload"
	"github.com/medvis3d/relief/pkg/onnx"
	"github.com/medvis3d/relief/pkg/raster"
	"github.com/medvis3d/relief/pkg/tensor"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("relief", "Depth-relief estimation for 2D medical images")
	input := parser.String("i", "input", &argparse.Options{Help: "Input image (DICOM, JPEG or PNG)", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output depth map PNG", Required: false, Default: "depth.png"})
	configPath := parser.String("c", "config", &argparse.Options{Help: "Config YAML file", Required: false})
	frame := parser.Int("f", "frame", &argparse.Options{Help: "Frame index for multi-frame (cine) DICOM", Required: false, Default: 0})
	dumpMeta := parser.Flag("m", "meta", &argparse.Options{Help: "Print DICOM metadata as JSON", Required: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		check(err)
	}

	data, err := os.ReadFile(*input)
	check(err)

	img := decodeInput(logger, data, *frame, *dumpMeta)

	engine := &onnx.Engine{
		Log:         logger,
		LibraryPath: cfg.Model.LibraryPath,
	}
	estimator := depth.NewEstimator(logger, engine, nnload.Options{
		ModelURL:      cfg.Model.URL,
		CacheDir:      cfg.Model.CacheDir,
		EstimatedSize: int64(cfg.Model.EstimatedSizeMB) * 1024 * 1024,
		Client:        &http.Client{Timeout: 10 * time.Minute},
	})

	ctx := context.Background()
	err = estimator.Initialize(ctx, func(p nnload.Progress) {
		logger.Infof("[%v] %v%% %v", p.Stage, p.Percent, p.Message)
	})
	check(err)

	caps := estimator.Capabilities()
	logger.Infof("Backend: %v, expected inference time %v", caps.Recommended, hwcap.ExpectedInferenceTime(*caps))

	result, err := estimator.Estimate(ctx, img, nil)
	check(err)
	logger.Infof("Inference took %v", result.Elapsed.Round(time.Millisecond))

	png, err := tensor.DepthToRaster(result.Depth).EncodePNG()
	check(err)
	check(os.WriteFile(*output, png, 0644))
	logger.Infof("Wrote %v (%vx%v)", *output, result.Depth.Width, result.Depth.Height)
}

// decodeInput tries DICOM first and falls back to JPEG/PNG.
func decodeInput(logger logs.Log, data []byte, frame int, dumpMeta bool) *raster.Raster {
	cine, err := dicom.DecodeMultiframe(data)
	if errors.Is(err, dicom.ErrNotDICOM) {
		img, err := raster.Decode(data)
		check(err)
		logger.Infof("Decoded plain image %vx%v", img.Width, img.Height)
		return img
	}
	check(err)

	if dumpMeta {
		meta, err := json.MarshalIndent(cine.Meta, "", "  ")
		check(err)
		fmt.Printf("%s\n", meta)
	}
	if frame < 0 || frame >= len(cine.Frames) {
		check(fmt.Errorf("frame %v out of range (file has %v frames)", frame, len(cine.Frames)))
	}
	logger.Infof("Decoded DICOM %v %vx%v, frame %v of %v",
		cine.Meta.Modality, cine.Meta.Columns, cine.Meta.Rows, frame, len(cine.Frames))
	return cine.Frames[frame].Raster
}
