package dicom

// Multi-frame (cine) decoding. Frame i of the pixel data element starts
// at byte offset i * rows * columns * bytesPerPixel; every frame is
// windowed with the same parameters as a single-frame study.

import "github.com/medvis3d/relief/pkg/raster"

// Frame is one windowed frame of a cine study.
type Frame struct {
	Index     int
	Raster    *raster.Raster
	Timestamp float64 // milliseconds from the start of the loop, -1 if frame time is absent
}

// Cine is a decoded multi-frame study.
type Cine struct {
	Meta      Metadata
	Pixels    *PixelBuffer
	Frames    []Frame
	FrameRate float64 // frames per second, 0 if frame time is absent
}

// DecodeMultiframe parses a DICOM byte stream and windows every frame.
// Single-frame files decode to a Cine with one frame.
func DecodeMultiframe(data []byte) (*Cine, error) {
	ds, err := parse(data)
	if err != nil {
		return nil, err
	}
	meta := extractMetadata(ds)
	pixels, err := extractPixels(ds, &meta, meta.NumberOfFrames)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, meta.NumberOfFrames)
	for i := range frames {
		frames[i] = Frame{
			Index:     i,
			Raster:    windowFrame(pixels.Frame(i), &meta),
			Timestamp: -1,
		}
		if meta.FrameTime > 0 {
			frames[i].Timestamp = float64(i) * meta.FrameTime
		}
	}

	frameRate := 0.0
	if meta.FrameTime > 0 {
		frameRate = 1000 / meta.FrameTime
	}
	return &Cine{
		Meta:      meta,
		Pixels:    pixels,
		Frames:    frames,
		FrameRate: frameRate,
	}, nil
}
