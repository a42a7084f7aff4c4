// Package format identifies payload formats from magic bytes and checks them
// against the declared file extension.
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"imgscan-server/internal/verdict"
)

// Format is a detected content format
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatWEBP    Format = "webp"
	FormatICO     Format = "ico"
	FormatPSD     Format = "psd"
	FormatPDF     Format = "pdf"
	FormatZIP     Format = "zip"
	FormatRAR     Format = "rar"
	Format7Z      Format = "7z"
	FormatPE      Format = "pe"
	FormatELF     Format = "elf"
	FormatGZIP    Format = "gzip"
)

// IsImage reports whether the format is an accepted image format
func (f Format) IsImage() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatBMP, FormatTIFF, FormatWEBP, FormatICO, FormatPSD:
		return true
	}
	return false
}

// IsExecutable reports whether the format is a native executable
func (f Format) IsExecutable() bool {
	return f == FormatPE || f == FormatELF
}

// extensionFormats maps accepted upload extensions onto the format they imply
var extensionFormats = map[string]Format{
	"jpg":  FormatJPEG,
	"jpeg": FormatJPEG,
	"png":  FormatPNG,
	"gif":  FormatGIF,
	"bmp":  FormatBMP,
	"tiff": FormatTIFF,
	"tif":  FormatTIFF,
	"webp": FormatWEBP,
	"ico":  FormatICO,
	"psd":  FormatPSD,
}

// SupportedExtensions returns the accepted upload extensions
func SupportedExtensions() []string {
	return []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff", "tif", "webp", "ico", "psd"}
}

// Extension returns the lowercased extension of a filename without the dot
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// ExtensionFormat returns the format implied by an extension
func ExtensionFormat(ext string) (Format, bool) {
	f, ok := extensionFormats[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return f, ok
}

// signature is a magic prefix at a fixed offset
type signature struct {
	format Format
	offset int
	magic  []byte
}

// signatures is checked in order, longer and more specific prefixes first
var signatures = []signature{
	{FormatPNG, 0, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{Format7Z, 0, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}},
	{FormatRAR, 0, []byte{'R', 'a', 'r', '!', 0x1A, 0x07}},
	{FormatGIF, 0, []byte("GIF87a")},
	{FormatGIF, 0, []byte("GIF89a")},
	{FormatPDF, 0, []byte("%PDF")},
	{FormatZIP, 0, []byte{'P', 'K', 0x03, 0x04}},
	{FormatELF, 0, []byte{0x7F, 'E', 'L', 'F'}},
	{FormatTIFF, 0, []byte{'I', 'I', 0x2A, 0x00}},
	{FormatTIFF, 0, []byte{'M', 'M', 0x00, 0x2A}},
	{FormatPSD, 0, []byte("8BPS")},
	{FormatICO, 0, []byte{0x00, 0x00, 0x01, 0x00}},
	{FormatJPEG, 0, []byte{0xFF, 0xD8, 0xFF}},
	{FormatGZIP, 0, []byte{0x1F, 0x8B}},
	{FormatBMP, 0, []byte("BM")},
	{FormatPE, 0, []byte("MZ")},
}

// filetypeFormats maps h2non/filetype extensions onto our formats
var filetypeFormats = map[string]Format{
	"jpg":  FormatJPEG,
	"png":  FormatPNG,
	"gif":  FormatGIF,
	"bmp":  FormatBMP,
	"tif":  FormatTIFF,
	"webp": FormatWEBP,
	"ico":  FormatICO,
	"psd":  FormatPSD,
	"pdf":  FormatPDF,
	"zip":  FormatZIP,
	"rar":  FormatRAR,
	"7z":   Format7Z,
	"exe":  FormatPE,
	"elf":  FormatELF,
	"gz":   FormatGZIP,
}

// Detect identifies the format from the leading bytes
func Detect(data []byte) Format {
	// RIFF container with WEBP form type
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return FormatWEBP
	}
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.magic) {
			return sig.format
		}
	}

	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return FormatUnknown
	}
	if f, ok := filetypeFormats[kind.Extension]; ok {
		return f
	}
	return Format(kind.Extension)
}

// Report is the format section of a scan result
type Report struct {
	DeclaredExtension string `json:"declared_extension"`
	DetectedFormat    Format `json:"detected_format"`
	Mismatch          bool   `json:"mismatch"`
	Polyglot          bool   `json:"polyglot"`
}

// marker is a header searched for anywhere in the payload
type marker struct {
	format Format
	magic  []byte
}

// documentMarkers are container/document headers that must not hide in an image
var documentMarkers = []marker{
	{FormatPDF, []byte("%PDF")},
	{FormatZIP, []byte{'P', 'K', 0x03, 0x04}},
	{FormatRAR, []byte{'R', 'a', 'r', '!', 0x1A, 0x07}},
	{Format7Z, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}},
}

// imageMarkers are image headers searched for anywhere in the payload
var imageMarkers = []marker{
	{FormatJPEG, []byte{0xFF, 0xD8, 0xFF}},
	{FormatPNG, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{FormatGIF, []byte("GIF87a")},
	{FormatGIF, []byte("GIF89a")},
}

// Polyglot describes a payload carrying both a document and an image header
type Polyglot struct {
	Document       Format
	DocumentOffset int
	Image          Format
	ImageOffset    int
}

// FindPolyglot scans the whole buffer for a document header and an image
// header at distinct offsets
func FindPolyglot(data []byte) (Polyglot, bool) {
	var p Polyglot
	docAt, imgAt := -1, -1

	for _, m := range documentMarkers {
		if i := bytes.Index(data, m.magic); i >= 0 && (docAt < 0 || i < docAt) {
			docAt, p.Document = i, m.format
		}
	}
	if docAt < 0 {
		return p, false
	}
	for _, m := range imageMarkers {
		if i := bytes.Index(data, m.magic); i >= 0 && i != docAt && (imgAt < 0 || i < imgAt) {
			imgAt, p.Image = i, m.format
		}
	}
	if imgAt < 0 {
		return p, false
	}
	p.DocumentOffset, p.ImageOffset = docAt, imgAt
	return p, true
}

// trailingSlack is the number of bytes tolerated after an end marker
const trailingSlack = 16

// TrailingBytes returns how many bytes follow the final end-of-image marker
// for formats that have one. ok is false when no marker can be located.
func TrailingBytes(f Format, data []byte) (n int, ok bool) {
	switch f {
	case FormatJPEG:
		i := bytes.LastIndex(data, []byte{0xFF, 0xD9})
		if i < 0 {
			return 0, false
		}
		return len(data) - (i + 2), true
	case FormatPNG:
		end, ok := pngEnd(data)
		if !ok {
			return 0, false
		}
		return len(data) - end, true
	default:
		return 0, false
	}
}

// pngEnd walks the chunk list and returns the offset just past the first
// IEND chunk
func pngEnd(data []byte) (int, bool) {
	pos := 8 // signature
	for pos+8 <= len(data) {
		n := uint64(binary.BigEndian.Uint32(data[pos:]))
		next := uint64(pos) + 12 + n
		if next > uint64(len(data)) {
			return 0, false
		}
		if string(data[pos+4:pos+8]) == "IEND" {
			return int(next), true
		}
		pos = int(next)
	}
	return 0, false
}

// Validate detects the real format, compares it with the filename extension
// and looks for polyglot structure and appended data
func Validate(data []byte, filename string) (Report, []verdict.Finding) {
	ext := Extension(filename)
	detected := Detect(data)
	report := Report{
		DeclaredExtension: ext,
		DetectedFormat:    detected,
	}

	var findings []verdict.Finding

	expected, known := ExtensionFormat(ext)
	if !known || detected != expected {
		report.Mismatch = true
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryFormatManipulation,
			Severity: verdict.SeverityMedium,
			Detail:   fmt.Sprintf("declared extension .%s does not match detected format %s", ext, detected),
		})
	}

	if detected.IsExecutable() {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryMalware,
			Severity: verdict.SeverityHigh,
			Detail:   fmt.Sprintf("payload starts with a %s executable header", detected),
		})
	}

	if p, ok := FindPolyglot(data); ok {
		report.Polyglot = true
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryFormatManipulation,
			Severity: verdict.SeverityHigh,
			Detail: fmt.Sprintf("polyglot payload: %s header at offset %d and %s header at offset %d",
				p.Document, p.DocumentOffset, p.Image, p.ImageOffset),
		})
	}

	if n, ok := TrailingBytes(detected, data); ok && n > trailingSlack {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryFormatManipulation,
			Severity: verdict.SeverityLow,
			Detail:   fmt.Sprintf("%d bytes appended after the %s end marker", n, detected),
		})
	}

	return report, findings
}
