package dicom

import (
	"math"

	"github.com/medvis3d/relief/pkg/raster"
)

// Window maps stored pixel values through the rescale transform and a
// center/width window onto the displayable [0,255] range.
type Window struct {
	Center    float64
	Width     float64
	Slope     float64
	Intercept float64
	Invert    bool // MONOCHROME1: low stored values are white
}

// WindowOf returns the window described by the file's metadata.
func WindowOf(meta *Metadata) Window {
	return Window{
		Center:    meta.WindowCenter,
		Width:     meta.WindowWidth,
		Slope:     meta.RescaleSlope,
		Intercept: meta.RescaleIntercept,
		Invert:    meta.PhotometricInterpretation == "MONOCHROME1",
	}
}

// Display maps one raw sample to its 8-bit display value.
//
// A width of zero would make the ramp branch divide by zero, and the
// <=lo / >=hi branches both claim the boundary. The rule here: a value
// at or below the center maps to 0, anything above to 255.
func (w Window) Display(raw uint16) byte {
	v := float64(raw)*w.Slope + w.Intercept
	lo := w.Center - w.Width/2
	hi := w.Center + w.Width/2

	var display byte
	switch {
	case v <= lo:
		display = 0
	case v >= hi:
		display = 255
	default:
		display = byte(math.Round((v - lo) / w.Width * 255))
	}
	if w.Invert {
		display = 255 - display
	}
	return display
}

// windowFrame converts one frame of raw samples into an RGBA raster,
// grayscale replicated across R/G/B with A=255.
func windowFrame(samples []uint16, meta *Metadata) *raster.Raster {
	w := WindowOf(meta)
	out := raster.New(meta.Columns, meta.Rows)
	for i, s := range samples {
		out.SetGray(i, w.Display(s))
	}
	return out
}
