// Package raster holds the 8-bit RGBA raster that flows between the
// DICOM decoder, the plain image decode path, and the tensor pipeline.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg"
)

// Raster is a width x height RGBA image, 4 bytes per pixel, row-major.
// Producers in this module always set alpha to 255.
type Raster struct {
	Width  int
	Height int
	Pix    []byte
}

// New returns a raster with all pixels transparent black.
func New(width, height int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// SetGray sets pixel i (row-major index) to the grayscale value v,
// replicated across R/G/B with A=255.
func (r *Raster) SetGray(i int, v byte) {
	p := i * 4
	r.Pix[p] = v
	r.Pix[p+1] = v
	r.Pix[p+2] = v
	r.Pix[p+3] = 255
}

// Gray returns the red channel of pixel i. For rasters produced by this
// module R==G==B, so this is the display value.
func (r *Raster) Gray(i int) byte {
	return r.Pix[i*4]
}

// NumPixels returns Width*Height.
func (r *Raster) NumPixels() int {
	return r.Width * r.Height
}

// ToImage wraps the raster in an image.RGBA. The pixel buffer is shared,
// not copied.
func (r *Raster) ToImage() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// FromImage copies an image into a new raster, forcing alpha to 255.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	out := New(b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			out.Pix[i] = byte(cr >> 8)
			out.Pix[i+1] = byte(cg >> 8)
			out.Pix[i+2] = byte(cb >> 8)
			out.Pix[i+3] = 255
			i += 4
		}
	}
	return out
}

// Decode decodes a JPEG or PNG byte stream into a raster.
func Decode(data []byte) (*Raster, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img), nil
}

// EncodePNG encodes the raster as a PNG byte stream.
func (r *Raster) EncodePNG() ([]byte, error) {
	buf := bytes.Buffer{}
	if err := png.Encode(&buf, r.ToImage()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
