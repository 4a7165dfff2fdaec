// Package dicom decodes DICOM byte streams into pixel samples plus the
// metadata needed to window them into a displayable 8-bit raster.
// It handles uncompressed little-endian pixel data only, which is what
// CT/X-ray exports and cine loops in the wild overwhelmingly use.
package dicom

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"github.com/medvis3d/relief/pkg/raster"
)

var (
	ErrNotDICOM              = errors.New("Not a DICOM byte stream")
	ErrTruncated             = errors.New("Malformed or truncated DICOM element stream")
	ErrMissingPixelData      = errors.New("No pixel data found in DICOM file")
	ErrUnsupportedBitDepth   = errors.New("Unsupported bits allocated (only 8 and 16 are supported)")
	ErrEncapsulatedPixelData = errors.New("Encapsulated (compressed) pixel data is not supported")
)

// Defaults applied when a tag is absent.
const (
	DefaultRows          = 512
	DefaultColumns       = 512
	DefaultBitsAllocated = 16
	DefaultBitsStored    = 12
	DefaultWindowCenter  = 40
	DefaultWindowWidth   = 400
)

// Metadata is the fixed tag set extracted from a file. Identifier
// fields are opaque strings and may be empty on anonymized studies.
// Numeric fields are always populated, falling back to the documented
// defaults. Immutable once returned.
type Metadata struct {
	PatientName               string  `json:"patientName,omitempty"`
	PatientID                 string  `json:"patientID,omitempty"`
	StudyDate                 string  `json:"studyDate,omitempty"`
	Modality                  string  `json:"modality,omitempty"`
	StudyDescription          string  `json:"studyDescription,omitempty"`
	SeriesDescription         string  `json:"seriesDescription,omitempty"`
	PhotometricInterpretation string  `json:"photometricInterpretation,omitempty"`
	Rows                      int     `json:"rows"`
	Columns                   int     `json:"columns"`
	BitsAllocated             int     `json:"bitsAllocated"`
	BitsStored                int     `json:"bitsStored"`
	WindowCenter              float64 `json:"windowCenter"`
	WindowWidth               float64 `json:"windowWidth"`
	RescaleSlope              float64 `json:"rescaleSlope"`
	RescaleIntercept          float64 `json:"rescaleIntercept"`
	NumberOfFrames            int     `json:"numberOfFrames"`
	FrameTime                 float64 `json:"frameTime,omitempty"` // milliseconds, 0 if absent
}

// PixelBuffer holds the raw row-major samples of the pixel data
// element. 8-bit samples are widened to uint16 so that downstream
// windowing has a single code path; Bits records the stored width.
type PixelBuffer struct {
	Bits      int
	FrameSize int // rows * columns
	Samples   []uint16
}

// NumFrames returns how many complete frames the buffer holds.
func (p *PixelBuffer) NumFrames() int {
	if p.FrameSize == 0 {
		return 0
	}
	return len(p.Samples) / p.FrameSize
}

// Frame returns the samples of frame i. Frame i starts at
// i*rows*columns samples into the buffer, which is the byte offset
// i*rows*columns*bytesPerPixel of the original element.
func (p *PixelBuffer) Frame(i int) []uint16 {
	return p.Samples[i*p.FrameSize : (i+1)*p.FrameSize]
}

// Image is the result of decoding a single-frame file (or the first
// frame of a cine file).
type Image struct {
	Meta   Metadata
	Pixels *PixelBuffer
	Raster *raster.Raster
}

// Decode parses a DICOM byte stream and windows its first frame into
// an RGBA raster.
func Decode(data []byte) (*Image, error) {
	ds, err := parse(data)
	if err != nil {
		return nil, err
	}
	meta := extractMetadata(ds)
	pixels, err := extractPixels(ds, &meta, 1)
	if err != nil {
		return nil, err
	}
	return &Image{
		Meta:   meta,
		Pixels: pixels,
		Raster: windowFrame(pixels.Frame(0), &meta),
	}, nil
}

func extractMetadata(ds dataSet) Metadata {
	m := Metadata{
		PatientName:               ds.str(TagPatientName),
		PatientID:                 ds.str(TagPatientID),
		StudyDate:                 ds.str(TagStudyDate),
		Modality:                  ds.str(TagModality),
		StudyDescription:          ds.str(TagStudyDescription),
		SeriesDescription:         ds.str(TagSeriesDescription),
		PhotometricInterpretation: ds.str(TagPhotometricInterpretation),
		Rows:                      ds.uint(TagRows, DefaultRows),
		Columns:                   ds.uint(TagColumns, DefaultColumns),
		BitsAllocated:             ds.uint(TagBitsAllocated, DefaultBitsAllocated),
		BitsStored:                ds.uint(TagBitsStored, DefaultBitsStored),
		WindowCenter:              ds.float(TagWindowCenter, DefaultWindowCenter),
		WindowWidth:               ds.float(TagWindowWidth, DefaultWindowWidth),
		RescaleSlope:              ds.float(TagRescaleSlope, 1),
		RescaleIntercept:          ds.float(TagRescaleIntercept, 0),
		NumberOfFrames:            ds.uint(TagNumberOfFrames, 1),
		FrameTime:                 ds.float(TagFrameTime, 0),
	}
	if m.NumberOfFrames < 1 {
		m.NumberOfFrames = 1
	}
	return m
}

// extractPixels interprets the pixel data element as minFrames or more
// frames of rows x columns unsigned samples.
func extractPixels(ds dataSet, meta *Metadata, minFrames int) (*PixelBuffer, error) {
	el, ok := ds[TagPixelData]
	if !ok {
		return nil, ErrMissingPixelData
	}
	frameSize := meta.Rows * meta.Columns
	if frameSize <= 0 {
		return nil, ErrTruncated
	}

	var samples []uint16
	switch meta.BitsAllocated {
	case 8:
		samples = make([]uint16, len(el.data))
		for i, b := range el.data {
			samples[i] = uint16(b)
		}
	case 16:
		samples = make([]uint16, len(el.data)/2)
		for i := range samples {
			samples[i] = binary.LittleEndian.Uint16(el.data[i*2:])
		}
	default:
		return nil, ErrUnsupportedBitDepth
	}

	if len(samples) < frameSize*minFrames {
		return nil, ErrTruncated
	}
	return &PixelBuffer{
		Bits:      meta.BitsAllocated,
		FrameSize: frameSize,
		Samples:   samples,
	}, nil
}

// Value readers. DICOM string values are space padded to even length,
// and DS/IS values may carry multiple backslash-separated entries, of
// which we take the first (eg a dual-window "40\\80").

func (ds dataSet) str(t Tag) string {
	el, ok := ds[t]
	if !ok {
		return ""
	}
	return strings.TrimRight(string(el.data), " \x00")
}

func (ds dataSet) uint(t Tag, fallback int) int {
	el, ok := ds[t]
	if !ok {
		return fallback
	}
	// US values are 2-byte binary; IS values are decimal strings.
	// Anonymized exports carry zero-length elements, so check the
	// length before the binary read.
	if (el.vr == "US" && len(el.data) >= 2) || (el.vr == "" && len(el.data) == 2) {
		return int(binary.LittleEndian.Uint16(el.data))
	}
	if v, err := strconv.Atoi(firstValue(string(el.data))); err == nil {
		return v
	}
	return fallback
}

func (ds dataSet) float(t Tag, fallback float64) float64 {
	el, ok := ds[t]
	if !ok {
		return fallback
	}
	if v, err := strconv.ParseFloat(firstValue(string(el.data)), 64); err == nil {
		return v
	}
	return fallback
}

func firstValue(s string) string {
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
