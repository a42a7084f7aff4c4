// Package metadata walks the metadata structures embedded in image containers
// and flags fields carrying scripts, network indicators, hidden binary data or
// location details.
package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"imgscan-server/internal/extractor"
	"imgscan-server/internal/format"
	"imgscan-server/internal/rules"
	"imgscan-server/internal/verdict"
)

const (
	// MaxTextField is the largest text value accepted in a regular field
	MaxTextField = 4 << 10
	// MaxXMPPacket is the largest XMP packet accepted
	MaxXMPPacket = 64 << 10
)

// scriptToken is a lowercase marker of active content inside a text field
type scriptToken struct {
	token    string
	category verdict.Category
}

var scriptTokens = []scriptToken{
	{"<script", verdict.CategoryNetworkThreat},
	{"javascript:", verdict.CategoryNetworkThreat},
	{"vbscript:", verdict.CategoryNetworkThreat},
	{"onerror=", verdict.CategoryNetworkThreat},
	{"onload=", verdict.CategoryNetworkThreat},
	{"<iframe", verdict.CategoryNetworkThreat},
	{"document.cookie", verdict.CategoryNetworkThreat},
	{"<?php", verdict.CategoryFormatManipulation},
	{"<%", verdict.CategoryFormatManipulation},
	{"eval(", verdict.CategoryFormatManipulation},
	{"system(", verdict.CategoryFormatManipulation},
	{"base64_decode(", verdict.CategoryFormatManipulation},
	{"/bin/sh", verdict.CategoryFormatManipulation},
	{"/bin/bash", verdict.CategoryFormatManipulation},
	{"cmd.exe", verdict.CategoryFormatManipulation},
	{"powershell", verdict.CategoryFormatManipulation},
	{"$(", verdict.CategoryFormatManipulation},
	{"${", verdict.CategoryFormatManipulation},
	{"`", verdict.CategoryFormatManipulation},
}

// Summary is the metadata section of a full scan result
type Summary struct {
	Fields    int      `json:"fields"`
	Sources   []string `json:"sources,omitempty"`
	GPS       bool     `json:"gps"`
	Malformed bool     `json:"malformed"`
}

// Inspector checks extracted fields
type Inspector struct {
	extractor *extractor.Extractor
}

// NewInspector creates an inspector
func NewInspector() *Inspector {
	return &Inspector{extractor: extractor.NewExtractor()}
}

// Inspect extracts the metadata of data in format f and reports findings.
// Structural problems never abort the inspection.
func (in *Inspector) Inspect(data []byte, f format.Format) (Summary, []verdict.Finding) {
	fields, err := Extract(data, f)

	var (
		summary  = Summary{Fields: len(fields)}
		findings []verdict.Finding
		seen     = map[Source]bool{}
	)

	if err != nil {
		summary.Malformed = true
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryFormatManipulation,
			Severity: verdict.SeverityLow,
			Detail:   fmt.Sprintf("malformed metadata: %v", err),
		})
	}

	for _, field := range fields {
		if !seen[field.Source] {
			seen[field.Source] = true
			summary.Sources = append(summary.Sources, string(field.Source))
		}
		if isGPS(field) {
			summary.GPS = true
		}
		if field.Text {
			findings = append(findings, in.checkText(field)...)
		}
	}

	if summary.GPS {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryPrivacy,
			Severity: verdict.SeverityLow,
			Detail:   "metadata contains GPS location data",
		})
	}
	return summary, findings
}

func isGPS(f Field) bool {
	switch f.Source {
	case SourceEXIF:
		return strings.HasPrefix(f.Name, "GPS")
	case SourceXMP:
		return bytes.Contains(f.Value, []byte("GPSLatitude"))
	}
	return false
}

func (in *Inspector) checkText(f Field) []verdict.Finding {
	var findings []verdict.Finding
	label := fmt.Sprintf("%s field %s", f.Source, f.Name)
	value := bytes.TrimRight(f.Value, "\x00 ")

	limit := MaxTextField
	if f.Source == SourceXMP {
		limit = MaxXMPPacket
	}
	if len(value) > limit {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryAdvancedThreat,
			Severity: verdict.SeverityMedium,
			Detail:   fmt.Sprintf("%s is %d bytes, above the %d byte limit", label, len(value), limit),
		})
	}

	if n := controlBytes(value); n > 0 {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryAdvancedThreat,
			Severity: verdict.SeverityMedium,
			Detail:   fmt.Sprintf("%s holds %d non-printable bytes", label, n),
		})
	}

	// Token matches inside binary blobs are noise
	if mostlyBinary(value) {
		return findings
	}

	lower := string(rules.ASCIILower(value))
	flagged := map[verdict.Category]bool{}
	for _, st := range scriptTokens {
		if flagged[st.category] || !strings.Contains(lower, st.token) {
			continue
		}
		flagged[st.category] = true
		findings = append(findings, verdict.Finding{
			Category: st.category,
			Severity: verdict.SeverityHigh,
			Detail:   fmt.Sprintf("%s contains script token %q", label, st.token),
		})
	}

	indicators := in.extractor.Scan(value)
	if urls := indicators[extractor.IndicatorURL]; len(urls) > 0 {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryNetworkThreat,
			Severity: verdict.SeverityMedium,
			Detail:   fmt.Sprintf("%s references %s", label, strings.Join(firstN(urls, 3), ", ")),
		})
	}
	if emails := indicators[extractor.IndicatorEmail]; len(emails) > 0 {
		findings = append(findings, verdict.Finding{
			Category: verdict.CategoryPrivacy,
			Severity: verdict.SeverityLow,
			Detail:   fmt.Sprintf("%s contains contact address %s", label, emails[0]),
		})
	}
	return findings
}

// controlBytes counts C0 controls other than tab, LF and CR, plus DEL
func controlBytes(b []byte) int {
	n := 0
	for _, c := range b {
		if (c < 0x20 && c != '\t' && c != '\n' && c != '\r') || c == 0x7F {
			n++
		}
	}
	return n
}

// mostlyBinary reports whether fewer than half the bytes of b belong to
// printable UTF-8 text
func mostlyBinary(b []byte) bool {
	printable := 0
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r') {
			printable += size
		}
		i += size
	}
	return printable*2 < len(b)
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
