// Package entropy measures byte-distribution randomness of a payload.
package entropy

import (
	"fmt"
	"math"

	"imgscan-server/internal/verdict"
)

// SuspiciousThreshold is the bits-per-byte level at or above which a payload
// is treated as packed, encrypted or carrying a hidden stream.
const SuspiciousThreshold = 7.5

// Class buckets an entropy score
type Class string

const (
	ClassLow    Class = "low"
	ClassNormal Class = "normal"
	ClassHigh   Class = "high"
	ClassPacked Class = "packed"
)

// Report is the outcome of a whole-payload entropy pass
type Report struct {
	Entropy float64 `json:"entropy"`
	Class   Class   `json:"class"`
	// Peak is the highest entropy of any fixed-size window
	Peak float64 `json:"peak"`
}

// Shannon returns the entropy of data in bits per byte, in [0, 8]
func Shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	n := float64(len(data))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Classify buckets an entropy score
func Classify(score float64) Class {
	switch {
	case score >= SuspiciousThreshold:
		return ClassPacked
	case score >= 6.0:
		return ClassHigh
	case score >= 3.0:
		return ClassNormal
	default:
		return ClassLow
	}
}

// WindowSize is the region size used for the peak entropy measurement
const WindowSize = 64 * 1024

// Regions returns the entropy of consecutive windows of data. The final
// window may be shorter than size.
func Regions(data []byte, size int) []float64 {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([]float64, 0, len(data)/size+1)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, Shannon(data[off:end]))
	}
	return out
}

// Analyze computes the entropy report and the finding it implies, if any
func Analyze(data []byte) (Report, []verdict.Finding) {
	score := Shannon(data)
	report := Report{
		Entropy: score,
		Class:   Classify(score),
		Peak:    score,
	}
	if len(data) > WindowSize {
		for _, w := range Regions(data, WindowSize) {
			if w > report.Peak {
				report.Peak = w
			}
		}
	}

	if score < SuspiciousThreshold {
		return report, nil
	}
	return report, []verdict.Finding{{
		Category: verdict.CategorySteganography,
		Severity: verdict.SeverityMedium,
		Detail:   fmt.Sprintf("payload entropy %.3f bits/byte is at or above %.1f (packed, encrypted or hidden data)", score, SuspiciousThreshold),
	}}
}
