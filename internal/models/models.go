package models

import (
	"time"

	"imgscan-server/internal/engine"
)

// Envelope status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ========== API Request/Response Models ==========

// ScanRequest is the JSON body of POST /scan
type ScanRequest struct {
	// Data is the payload, base64 encoded
	Data      string `json:"data"`
	Filename  string `json:"filename"`
	ScanDepth string `json:"scan_depth"`
}

// ScanResponse is the envelope every scan endpoint answers with
type ScanResponse struct {
	Status     string         `json:"status"`
	ScanResult *engine.Result `json:"scan_result"`
	Message    string         `json:"message,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// NewScanResponse wraps a successful result
func NewScanResponse(res *engine.Result) ScanResponse {
	return ScanResponse{
		Status:     StatusSuccess,
		ScanResult: res,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorResponse builds the error envelope
func NewErrorResponse(message string) ScanResponse {
	return ScanResponse{
		Status:    StatusError,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// StatsResponse is the static capability report
type StatsResponse struct {
	SupportedFormats []string          `json:"supported_formats"`
	RuleCounts       map[string]int    `json:"rule_counts"`
	HashCounts       map[string]int    `json:"hash_counts"`
	MaxPayloadBytes  int64             `json:"max_payload_bytes"`
	ScanDepths       []string          `json:"scan_depths"`
	Audit            map[string]uint64 `json:"audit,omitempty"`
}

// ========== Audit Models ==========

// ScanEvent is one audit row describing a completed scan
type ScanEvent struct {
	ScanID         string    `json:"scan_id" ch:"scan_id"`
	Filename       string    `json:"filename" ch:"filename"`
	SHA256         string    `json:"sha256" ch:"sha256"`
	FileSize       uint64    `json:"file_size" ch:"file_size"`
	Tier           string    `json:"tier" ch:"tier"`
	RiskLevel      string    `json:"risk_level" ch:"risk_level"`
	DetectedFormat string    `json:"detected_format" ch:"detected_format"`
	FindingCount   uint32    `json:"finding_count" ch:"finding_count"`
	Categories     []string  `json:"categories" ch:"categories"`
	RuleNames      []string  `json:"rule_names" ch:"rule_names"`
	DurationMS     float64   `json:"duration_ms" ch:"duration_ms"`
	Quarantined    bool      `json:"quarantined" ch:"quarantined"`
	ScannedAt      time.Time `json:"scanned_at" ch:"scanned_at"`
}

// NewScanEvent summarises a result for the audit log
func NewScanEvent(filename string, res *engine.Result, quarantined bool) ScanEvent {
	ev := ScanEvent{
		ScanID:         res.ScanID,
		Filename:       filename,
		SHA256:         res.Hashes.SHA256,
		FileSize:       uint64(res.FileSize),
		Tier:           string(res.Tier),
		RiskLevel:      res.RiskLevel.String(),
		DetectedFormat: string(res.Format.DetectedFormat),
		FindingCount:   uint32(len(res.Findings)),
		Categories:     []string{},
		RuleNames:      []string{},
		DurationMS:     res.DurationMS,
		Quarantined:    quarantined,
		ScannedAt:      time.Now().UTC(),
	}

	seen := make(map[string]bool)
	for _, f := range res.Findings {
		if c := string(f.Category); !seen[c] {
			seen[c] = true
			ev.Categories = append(ev.Categories, c)
		}
		if f.RuleName != "" {
			ev.RuleNames = append(ev.RuleNames, f.RuleName)
		}
	}
	return ev
}

// ========== Crawler Models ==========

// FileJob represents a file to be scanned by the worker pool
type FileJob struct {
	FilePath     string
	FileSize     int64
	LastModified time.Time
}

// ProcessResult represents the result of scanning one file
type ProcessResult struct {
	FilePath string
	Result   *engine.Result
	Error    error
	Duration time.Duration
}

// CrawlStats summarises a directory crawl
type CrawlStats struct {
	FilesScanned int64            `json:"files_scanned"`
	FilesFailed  int64            `json:"files_failed"`
	BytesScanned int64            `json:"bytes_scanned"`
	Duration     time.Duration    `json:"duration"`
	ByRiskLevel  map[string]int64 `json:"by_risk_level"`
}
