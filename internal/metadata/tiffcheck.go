package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Limits applied to a TIFF structure before it reaches the EXIF decoder
const (
	maxDirectories = 16
	// maxNumericCount bounds the element count of non-byte tags; the decoder
	// allocates one int64 per element
	maxNumericCount = 1 << 16
)

var (
	errTIFFHeader = errors.New("bad tiff header")
	errIFDCycle   = errors.New("ifd chain loops")
	errIFDCount   = fmt.Errorf("more than %d ifds", maxDirectories)
)

// tiffTypeSize maps a TIFF field type to its element size in bytes
var tiffTypeSize = map[uint16]uint64{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1,
	7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
}

// Tags whose value is the offset of another IFD
const (
	tagExifIFD    = 0x8769
	tagGPSIFD     = 0x8825
	tagInteropIFD = 0xA005
)

// checkTIFF walks every IFD reachable from the header and rejects anything
// the decoder could not read in bounded time and memory: loops, too many
// directories, entries whose value lies outside raw or whose element count
// is unreasonable.
func checkTIFF(raw []byte) error {
	if len(raw) < 8 {
		return errTIFFHeader
	}
	var order binary.ByteOrder
	switch string(raw[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return errTIFFHeader
	}
	if order.Uint16(raw[2:]) != 42 {
		return errTIFFHeader
	}

	size := uint64(len(raw))
	visited := make(map[uint32]bool)
	queue := []uint32{order.Uint32(raw[4:])}

	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]
		if visited[off] {
			return fmt.Errorf("%w at offset %d", errIFDCycle, off)
		}
		if len(visited) == maxDirectories {
			return errIFDCount
		}
		visited[off] = true

		if uint64(off)+2 > size {
			return fmt.Errorf("ifd offset %d: %w", off, errTruncated)
		}
		n := uint64(order.Uint16(raw[off:]))
		end := uint64(off) + 2 + 12*n
		if end+4 > size {
			return fmt.Errorf("ifd at %d with %d entries: %w", off, n, errTruncated)
		}

		for i := uint64(0); i < n; i++ {
			e := raw[uint64(off)+2+12*i:]
			tag, typ, count := order.Uint16(e), order.Uint16(e[2:]), order.Uint32(e[4:])
			valOff := order.Uint32(e[8:])

			elem, ok := tiffTypeSize[typ]
			if !ok {
				return fmt.Errorf("tag 0x%04x: unknown type %d", tag, typ)
			}
			if elem > 1 && count > maxNumericCount {
				return fmt.Errorf("tag 0x%04x: count %d exceeds %d", tag, count, maxNumericCount)
			}
			length := elem * uint64(count)
			if length > size {
				return fmt.Errorf("tag 0x%04x: %d byte value in %d byte block", tag, length, size)
			}
			if length > 4 && uint64(valOff)+length > size {
				return fmt.Errorf("tag 0x%04x: value at %d: %w", tag, valOff, errTruncated)
			}

			switch tag {
			case tagExifIFD, tagGPSIFD, tagInteropIFD:
				if count == 1 && elem == 4 {
					queue = append(queue, valOff)
				}
			}
		}

		if next := order.Uint32(raw[end:]); next != 0 {
			queue = append(queue, next)
		}
	}
	return nil
}
