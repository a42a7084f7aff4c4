package metadata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"imgscan-server/internal/format"
)

// Source names the container structure a field was read from
type Source string

const (
	SourceEXIF    Source = "exif"
	SourceXMP     Source = "xmp"
	SourceComment Source = "comment"
	SourcePNGText Source = "png_text"
)

// Field is one metadata value lifted out of the container
type Field struct {
	Source Source
	Name   string
	Value  []byte
	// Text is set when the value is expected to be printable text
	Text bool
}

var errTruncated = errors.New("structure truncated")

// maxInflate caps decompressed zTXt and iTXt payloads
const maxInflate = 1 << 20

var (
	exifHeader = []byte("Exif\x00\x00")
	xmpHeader  = []byte("http://ns.adobe.com/xap/1.0/\x00")
)

// Extract walks the container structure of data and returns every metadata
// field it could read. The walk stops at the first structural problem; the
// fields read before it are still returned together with the error.
func Extract(data []byte, f format.Format) ([]Field, error) {
	switch f {
	case format.FormatJPEG:
		return walkJPEG(data)
	case format.FormatPNG:
		return walkPNG(data)
	case format.FormatGIF:
		return walkGIF(data)
	case format.FormatWEBP:
		return walkWEBP(data)
	case format.FormatTIFF:
		return exifFields(data)
	}
	return nil, nil
}

// ========== JPEG ==========

func walkJPEG(data []byte) ([]Field, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errors.New("jpeg: missing start of image")
	}

	var fields []Field
	pos := 2
	for pos < len(data) {
		if data[pos] != 0xFF {
			return fields, fmt.Errorf("jpeg: expected marker at offset %d", pos)
		}
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return fields, fmt.Errorf("jpeg: %w", errTruncated)
		}
		m := data[pos]
		pos++

		switch {
		case m == 0xD9 || m == 0xDA:
			// entropy-coded data follows SOS; nothing after it is metadata
			return fields, nil
		case m == 0x01 || (m >= 0xD0 && m <= 0xD7):
			continue
		}

		if pos+2 > len(data) {
			return fields, fmt.Errorf("jpeg: %w", errTruncated)
		}
		segLen := int(binary.BigEndian.Uint16(data[pos:]))
		if segLen < 2 || pos+segLen > len(data) {
			return fields, fmt.Errorf("jpeg: segment 0x%02X length %d exceeds payload", m, segLen)
		}
		payload := data[pos+2 : pos+segLen]
		pos += segLen

		switch m {
		case 0xE1:
			switch {
			case bytes.HasPrefix(payload, exifHeader):
				ef, err := exifFields(payload[len(exifHeader):])
				fields = append(fields, ef...)
				if err != nil {
					return fields, err
				}
			case bytes.HasPrefix(payload, xmpHeader):
				fields = append(fields, Field{Source: SourceXMP, Name: "xmp", Value: payload[len(xmpHeader):], Text: true})
			}
		case 0xFE:
			fields = append(fields, Field{Source: SourceComment, Name: "COM", Value: payload, Text: true})
		}
	}
	return fields, fmt.Errorf("jpeg: %w", errTruncated)
}

// ========== PNG ==========

func walkPNG(data []byte) ([]Field, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("png: %w", errTruncated)
	}

	var fields []Field
	pos := 8
	for pos+8 <= len(data) {
		n := uint64(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		start := pos + 8
		if uint64(start)+n+4 > uint64(len(data)) {
			return fields, fmt.Errorf("png: chunk %q length %d exceeds payload", typ, n)
		}
		body := data[start : start+int(n)]
		pos = start + int(n) + 4

		switch typ {
		case "tEXt":
			kw, val, ok := bytes.Cut(body, []byte{0})
			if !ok {
				return fields, errors.New("png: tEXt without keyword separator")
			}
			fields = append(fields, pngTextField(string(kw), val))
		case "zTXt":
			kw, rest, ok := bytes.Cut(body, []byte{0})
			if !ok || len(rest) < 1 {
				return fields, errors.New("png: malformed zTXt")
			}
			val, err := inflate(rest[1:])
			if err != nil {
				return fields, fmt.Errorf("png: zTXt %q: %w", kw, err)
			}
			fields = append(fields, pngTextField(string(kw), val))
		case "iTXt":
			f, err := parseITXt(body)
			if err != nil {
				return fields, err
			}
			fields = append(fields, f)
		case "eXIf":
			ef, err := exifFields(body)
			fields = append(fields, ef...)
			if err != nil {
				return fields, err
			}
		case "IEND":
			return fields, nil
		}
	}
	return fields, fmt.Errorf("png: %w", errTruncated)
}

func pngTextField(keyword string, val []byte) Field {
	if keyword == "XML:com.adobe.xmp" {
		return Field{Source: SourceXMP, Name: keyword, Value: val, Text: true}
	}
	return Field{Source: SourcePNGText, Name: keyword, Value: val, Text: true}
}

// parseITXt decodes keyword\0 flag method lang\0 translated\0 text
func parseITXt(body []byte) (Field, error) {
	kw, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(rest) < 2 {
		return Field{}, errors.New("png: malformed iTXt")
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	_, rest, ok = bytes.Cut(rest, []byte{0})
	if !ok {
		return Field{}, errors.New("png: malformed iTXt language tag")
	}
	_, text, ok := bytes.Cut(rest, []byte{0})
	if !ok {
		return Field{}, errors.New("png: malformed iTXt translated keyword")
	}
	if compressed {
		var err error
		if text, err = inflate(text); err != nil {
			return Field{}, fmt.Errorf("png: iTXt %q: %w", kw, err)
		}
	}
	return pngTextField(string(kw), text), nil
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxInflate))
}

// ========== GIF ==========

func walkGIF(data []byte) ([]Field, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("gif: %w", errTruncated)
	}

	var fields []Field
	pos := 13
	if flags := data[10]; flags&0x80 != 0 {
		pos += 3 * (1 << ((flags & 0x07) + 1))
	}

	for pos < len(data) {
		switch data[pos] {
		case 0x21:
			if pos+2 > len(data) {
				return fields, fmt.Errorf("gif: %w", errTruncated)
			}
			label := data[pos+1]
			content, next, err := subBlocks(data, pos+2)
			if err != nil {
				return fields, err
			}
			if label == 0xFE {
				fields = append(fields, Field{Source: SourceComment, Name: "comment", Value: content, Text: true})
			}
			pos = next
		case 0x2C:
			if pos+11 > len(data) {
				return fields, fmt.Errorf("gif: %w", errTruncated)
			}
			packed := data[pos+9]
			pos += 10
			if packed&0x80 != 0 {
				pos += 3 * (1 << ((packed & 0x07) + 1))
			}
			// LZW minimum code size
			pos++
			_, next, err := subBlocks(data, pos)
			if err != nil {
				return fields, err
			}
			pos = next
		case 0x3B:
			return fields, nil
		default:
			return fields, fmt.Errorf("gif: unknown block 0x%02X at offset %d", data[pos], pos)
		}
	}
	return fields, fmt.Errorf("gif: %w", errTruncated)
}

// subBlocks concatenates a GIF data sub-block chain starting at pos
func subBlocks(data []byte, pos int) ([]byte, int, error) {
	var out []byte
	for {
		if pos >= len(data) {
			return out, pos, fmt.Errorf("gif: %w", errTruncated)
		}
		n := int(data[pos])
		pos++
		if n == 0 {
			return out, pos, nil
		}
		if pos+n > len(data) {
			return out, pos, fmt.Errorf("gif: %w", errTruncated)
		}
		out = append(out, data[pos:pos+n]...)
		pos += n
	}
}

// ========== WebP ==========

func walkWEBP(data []byte) ([]Field, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("webp: %w", errTruncated)
	}

	var fields []Field
	pos := 12
	for pos+8 <= len(data) {
		fourcc := string(data[pos : pos+4])
		n := uint64(binary.LittleEndian.Uint32(data[pos+4:]))
		start := pos + 8
		if uint64(start)+n > uint64(len(data)) {
			return fields, fmt.Errorf("webp: chunk %q length %d exceeds payload", fourcc, n)
		}
		body := data[start : start+int(n)]
		pos = start + int(n) + int(n&1)

		switch fourcc {
		case "EXIF":
			ef, err := exifFields(bytes.TrimPrefix(body, exifHeader))
			fields = append(fields, ef...)
			if err != nil {
				return fields, err
			}
		case "XMP ":
			fields = append(fields, Field{Source: SourceXMP, Name: "xmp", Value: body, Text: true})
		}
	}
	if pos < len(data) {
		return fields, fmt.Errorf("webp: %w", errTruncated)
	}
	return fields, nil
}

// ========== EXIF ==========

// asciiComment is the character code prefix of an ASCII UserComment
var asciiComment = []byte("ASCII\x00\x00\x00")

type exifWalker struct {
	fields []Field
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	f := Field{Source: SourceEXIF, Name: string(name), Value: tag.Val, Text: tag.Type == tiff.DTAscii}
	if name == exif.UserComment && bytes.HasPrefix(tag.Val, asciiComment) {
		f.Value, f.Text = tag.Val[len(asciiComment):], true
	}
	w.fields = append(w.fields, f)
	return nil
}

// exifFields decodes a raw TIFF-structured EXIF block
func exifFields(raw []byte) (fields []Field, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exif: decoder panic: %v", r)
		}
	}()

	if err := checkTIFF(raw); err != nil {
		return nil, fmt.Errorf("exif: %w", err)
	}

	x, decErr := exif.Decode(bytes.NewReader(raw))
	if x == nil {
		if decErr == nil {
			decErr = errors.New("no data")
		}
		return nil, fmt.Errorf("exif: %w", decErr)
	}

	w := &exifWalker{}
	if walkErr := x.Walk(w); walkErr != nil && decErr == nil {
		decErr = walkErr
	}
	// Walk ranges over a map
	sort.Slice(w.fields, func(i, j int) bool { return w.fields[i].Name < w.fields[j].Name })

	if decErr != nil {
		return w.fields, fmt.Errorf("exif: %w", decErr)
	}
	return w.fields, nil
}
