// Package tensor converts rasters to model input tensors and model
// outputs to normalized depth fields. Everything here is a pure
// function, safe to call concurrently with different inputs.
package tensor

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"

	"github.com/medvis3d/relief/pkg/nn"
	"github.com/medvis3d/relief/pkg/raster"
)

// InputSize is the fixed spatial size of the depth model's input.
const InputSize = 518

// ImageNet per-channel statistics, applied as (v/255 - mean) / std.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

var ErrEmptyOutput = errors.New("Model output tensor is empty")

// Preprocess resizes a raster to InputSize x InputSize and converts it
// to a planar float32 tensor of shape [1,3,InputSize,InputSize] with
// ImageNet normalization, channel order R,G,B.
func Preprocess(r *raster.Raster) *nn.Tensor {
	resized := resize.Resize(InputSize, InputSize, r.ToImage(), resize.Lanczos3)

	data := make([]float32, 3*InputSize*InputSize)
	plane := InputSize * InputSize
	i := 0
	b := resized.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := resized.At(x, y).RGBA()
			data[i] = (float32(cr>>8)/255 - imagenetMean[0]) / imagenetStd[0]
			data[plane+i] = (float32(cg>>8)/255 - imagenetMean[1]) / imagenetStd[1]
			data[2*plane+i] = (float32(cb>>8)/255 - imagenetMean[2]) / imagenetStd[2]
			i++
		}
	}
	return &nn.Tensor{
		Shape: []int64{1, 3, InputSize, InputSize},
		Data:  data,
	}
}

// NormalizeDepth rescales raw depth values to [0,1] by global min-max.
// A constant input (range zero) yields all zeros rather than NaNs.
// The input is not modified.
func NormalizeDepth(raw []float32) []float32 {
	out := make([]float32, len(raw))
	if len(raw) == 0 {
		return out
	}

	min := math32.Inf(1)
	max := math32.Inf(-1)
	for _, v := range raw {
		min = math32.Min(min, v)
		max = math32.Max(max, v)
	}

	r := max - min
	if r == 0 {
		return out
	}
	for i, v := range raw {
		out[i] = (v - min) / r
	}
	return out
}

// DepthField is a normalized depth map: one value in [0,1] per spatial
// cell of the model output, row-major. Never mutated after creation;
// the renderer consumes it as a displacement map.
type DepthField struct {
	Width  int
	Height int
	Values []float32
}

// Postprocess converts a raw model output tensor, of whatever numeric
// element type the engine produced, into a normalized DepthField. The
// spatial size is taken from the trailing two shape dimensions, falling
// back to InputSize when the shape is absent.
func Postprocess(out *nn.RawTensor) (*DepthField, error) {
	raw := out.Float32s()
	if len(raw) == 0 {
		return nil, ErrEmptyOutput
	}

	width, height := InputSize, InputSize
	if n := len(out.Shape); n >= 2 {
		height = int(out.Shape[n-2])
		width = int(out.Shape[n-1])
	}
	if width*height != len(raw) {
		// Shape metadata disagrees with the buffer; trust the buffer.
		width = len(raw)
		height = 1
	}

	return &DepthField{
		Width:  width,
		Height: height,
		Values: NormalizeDepth(raw),
	}, nil
}

// DepthToRaster renders a depth field as a grayscale RGBA raster,
// near=white. Useful for debugging and for flat 2D previews.
func DepthToRaster(d *DepthField) *raster.Raster {
	out := raster.New(d.Width, d.Height)
	for i, v := range d.Values {
		out.SetGray(i, byte(math32.Round(v*255)))
	}
	return out
}
