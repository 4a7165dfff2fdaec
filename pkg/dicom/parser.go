package dicom

import (
	"encoding/binary"
	"fmt"
)

// Tag is a DICOM (group,element) pair packed as group<<16 | element.
type Tag uint32

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", uint16(t>>16), uint16(t))
}

// The fixed tag set we consume.
const (
	TagPatientName               Tag = 0x00100010
	TagPatientID                 Tag = 0x00100020
	TagStudyDate                 Tag = 0x00080020
	TagModality                  Tag = 0x00080060
	TagStudyDescription          Tag = 0x00081030
	TagSeriesDescription         Tag = 0x0008103E
	TagRows                      Tag = 0x00280010
	TagColumns                   Tag = 0x00280011
	TagBitsAllocated             Tag = 0x00280100
	TagBitsStored                Tag = 0x00280101
	TagWindowCenter              Tag = 0x00281050
	TagWindowWidth               Tag = 0x00281051
	TagRescaleIntercept          Tag = 0x00281052
	TagRescaleSlope              Tag = 0x00281053
	TagPhotometricInterpretation Tag = 0x00280004
	TagNumberOfFrames            Tag = 0x00280008
	TagFrameTime                 Tag = 0x00181063
	TagPixelData                 Tag = 0x7FE00010
)

const (
	tagItem              Tag = 0xFFFEE000
	tagItemDelimiter     Tag = 0xFFFEE00D
	tagSequenceDelimiter Tag = 0xFFFEE0DD
)

const undefinedLength = 0xFFFFFFFF

// element is one parsed tag-length-value entry. vr is empty when the
// stream is implicit VR.
type element struct {
	vr   string
	data []byte
}

// dataSet maps tags to their raw values. We only keep group 0008/0010/
// 0018/0028 and the pixel data, which is all this decoder reads.
type dataSet map[Tag]element

// parse walks the tag-length-value stream. Accepts a standard part-10
// file (128-byte preamble + "DICM") or a bare dataset. All elements are
// little-endian; explicit VR is detected per element, with an implicit
// VR fallback, the same trick dcmtk and dicom-parser use to survive
// mixed meta-header/dataset encodings.
func parse(data []byte) (dataSet, error) {
	pos := 0
	if len(data) >= 132 && string(data[128:132]) == "DICM" {
		pos = 132
	} else if len(data) < 8 {
		return nil, ErrNotDICOM
	} else if !plausibleGroup(binary.LittleEndian.Uint16(data)) {
		// Headerless streams are accepted, but only when the first
		// element starts with a group a DICOM dataset actually uses.
		// This keeps JPEG/PNG bytes from being chewed on as if they
		// were a malformed dataset.
		return nil, ErrNotDICOM
	}

	ds := dataSet{}
	sane := false
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		elem := binary.LittleEndian.Uint16(data[pos+2:])
		t := Tag(group)<<16 | Tag(elem)
		pos += 4

		// Item and delimiter tags carry a plain 4-byte length, no VR.
		if group == 0xFFFE {
			length := binary.LittleEndian.Uint32(data[pos:])
			pos += 4
			if t == tagItem && length != undefinedLength {
				pos += int(length)
			}
			continue
		}

		vr := ""
		var length int
		b0, b1 := data[pos], data[pos+1]
		if isVRChar(b0) && isVRChar(b1) {
			vr = string(data[pos : pos+2])
			pos += 2
			if isLongVR(vr) {
				if pos+6 > len(data) {
					return nil, ErrTruncated
				}
				pos += 2 // reserved
				length = int(binary.LittleEndian.Uint32(data[pos:]))
				pos += 4
			} else {
				length = int(binary.LittleEndian.Uint16(data[pos:]))
				pos += 2
			}
		} else {
			// Implicit VR: the 4 bytes after the tag are the length.
			length = int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
		}

		if uint32(length) == undefinedLength {
			if t == TagPixelData {
				return nil, ErrEncapsulatedPixelData
			}
			// Undefined-length sequence: skip to its delimiter.
			end, err := skipSequence(data, pos)
			if err != nil {
				return nil, err
			}
			pos = end
			continue
		}
		if length < 0 || pos+length > len(data) {
			return nil, ErrTruncated
		}
		ds[t] = element{vr: vr, data: data[pos : pos+length]}
		pos += length
		sane = true
	}
	if !sane {
		return nil, ErrNotDICOM
	}
	return ds, nil
}

// skipSequence advances past an undefined-length sequence, returning the
// position just after its sequence delimitation item. Nested undefined-
// length items are handled recursively.
func skipSequence(data []byte, pos int) (int, error) {
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		elem := binary.LittleEndian.Uint16(data[pos+2:])
		length := binary.LittleEndian.Uint32(data[pos+4:])
		t := Tag(group)<<16 | Tag(elem)
		pos += 8
		switch {
		case t == tagSequenceDelimiter:
			return pos, nil
		case t == tagItem && length == undefinedLength:
			end, err := skipItem(data, pos)
			if err != nil {
				return 0, err
			}
			pos = end
		case t == tagItem:
			pos += int(length)
		default:
			return 0, ErrTruncated
		}
	}
	return 0, ErrTruncated
}

// skipItem advances past an undefined-length item to just after its
// item delimitation tag.
func skipItem(data []byte, pos int) (int, error) {
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		elem := binary.LittleEndian.Uint16(data[pos+2:])
		length := binary.LittleEndian.Uint32(data[pos+4:])
		t := Tag(group)<<16 | Tag(elem)
		pos += 8
		if t == tagItemDelimiter {
			return pos, nil
		}
		if length == undefinedLength {
			end, err := skipSequence(data, pos)
			if err != nil {
				return 0, err
			}
			pos = end
		} else {
			pos += int(length)
		}
	}
	return 0, ErrTruncated
}

func isVRChar(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// Groups that a bare dataset can plausibly open with.
func plausibleGroup(group uint16) bool {
	switch group {
	case 0x0002, 0x0008, 0x0010, 0x0018, 0x0020, 0x0028, 0x7FE0:
		return true
	}
	return false
}

// VRs that use the 4-byte length form with a 2-byte reserved field.
func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "OL", "OD", "SQ", "UC", "UR", "UT", "UN":
		return true
	}
	return false
}
