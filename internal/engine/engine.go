// Package engine sequences the analyzers for one payload and reduces their
// findings to a single verdict.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/entropy"
	"imgscan-server/internal/format"
	"imgscan-server/internal/hashindex"
	"imgscan-server/internal/matcher"
	"imgscan-server/internal/metadata"
	"imgscan-server/internal/rules"
	"imgscan-server/internal/verdict"
)

// DefaultMaxPayload is the largest payload accepted when no limit is configured
const DefaultMaxPayload int64 = 50 << 20

var (
	ErrEmptyPayload         = errors.New("empty payload")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrInvalidDepth         = errors.New("invalid scan depth")
)

// RejectError is returned when a request is refused before analysis
type RejectError struct {
	Reason error
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}

// IsRejected reports whether err refused the request before analysis
func IsRejected(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// Request is one payload to scan
type Request struct {
	Data     []byte
	Filename string
	// Depth is "light" or "full"; empty means light
	Depth string
}

// Result is the verdict for one request. It is never modified after Scan returns.
type Result struct {
	ScanID        string            `json:"scan_id"`
	RiskLevel     verdict.RiskLevel `json:"risk_level"`
	Findings      []verdict.Finding `json:"findings"`
	Hashes        hashindex.Digests `json:"hashes"`
	Format        format.Report     `json:"format"`
	Entropy       *float64          `json:"entropy,omitempty"`
	EntropyDetail *entropy.Report   `json:"entropy_detail,omitempty"`
	Metadata      *metadata.Summary `json:"metadata,omitempty"`
	FileSize      int               `json:"file_size"`
	DurationMS    float64           `json:"duration_ms"`
	Tier          rules.Tier        `json:"tier"`
}

// Config tunes admission
type Config struct {
	MaxPayloadBytes int64
}

// stage is one fail-soft analyzer step
type stage struct {
	name     string
	fullOnly bool
	run      func(s *scanState) []verdict.Finding
}

// scanState carries the per-request values shared between stages
type scanState struct {
	data   []byte
	tier   rules.Tier
	format format.Report
	result *Result
}

// Engine runs scans against immutable reference data. It is safe for
// concurrent use.
type Engine struct {
	rules      *rules.RuleSet
	hashes     *hashindex.Index
	inspector  *metadata.Inspector
	maxPayload int64
	validate   func(data []byte, filename string) (format.Report, []verdict.Finding)
	stages     []stage
}

// New creates an engine over a rule set and hash index
func New(rs *rules.RuleSet, idx *hashindex.Index, cfg Config) *Engine {
	if idx == nil {
		idx = hashindex.Empty()
	}
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayload
	}

	e := &Engine{
		rules:      rs,
		hashes:     idx,
		inspector:  metadata.NewInspector(),
		maxPayload: limit,
		validate:   format.Validate,
	}
	e.stages = []stage{
		{name: "hash", run: e.hashStage},
		{name: "signature", run: e.signatureStage},
		{name: "metadata", fullOnly: true, run: e.metadataStage},
		{name: "entropy", fullOnly: true, run: e.entropyStage},
	}
	return e
}

// MaxPayload returns the admission size limit in bytes
func (e *Engine) MaxPayload() int64 {
	return e.maxPayload
}

// Rules returns the loaded rule set
func (e *Engine) Rules() *rules.RuleSet {
	return e.rules
}

// Hashes returns the loaded hash index
func (e *Engine) Hashes() *hashindex.Index {
	return e.hashes
}

// admit checks a request before any analyzer sees it
func (e *Engine) admit(req Request) (rules.Tier, error) {
	if len(req.Data) == 0 {
		return "", &RejectError{Reason: ErrEmptyPayload, Detail: "no bytes supplied"}
	}
	if int64(len(req.Data)) > e.maxPayload {
		return "", &RejectError{
			Reason: ErrPayloadTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(req.Data), e.maxPayload),
		}
	}

	tier := rules.TierLight
	if req.Depth != "" {
		t, err := rules.ParseTier(req.Depth)
		if err != nil {
			return "", &RejectError{Reason: ErrInvalidDepth, Detail: err.Error()}
		}
		tier = t
	}

	ext := format.Extension(req.Filename)
	if _, ok := format.ExtensionFormat(ext); !ok {
		return "", &RejectError{
			Reason: ErrUnsupportedExtension,
			Detail: fmt.Sprintf("%q is not an accepted image extension", ext),
		}
	}
	return tier, nil
}

// Scan runs the tier's pipeline over one payload
func (e *Engine) Scan(req Request) (*Result, error) {
	start := time.Now()

	tier, err := e.admit(req)
	if err != nil {
		return nil, err
	}

	fallback := format.Report{
		DeclaredExtension: format.Extension(req.Filename),
		DetectedFormat:    format.FormatUnknown,
	}
	st := &scanState{
		data:   req.Data,
		tier:   tier,
		format: fallback,
		result: &Result{
			ScanID:   uuid.NewString(),
			FileSize: len(req.Data),
			Tier:     tier,
			Format:   fallback,
		},
	}

	var faults []verdict.Finding
	findings := e.guard(e.formatStage(req.Filename), st, &faults)
	for _, s := range e.stages {
		if s.fullOnly && tier != rules.TierFull {
			continue
		}
		findings = append(findings, e.guard(s, st, &faults)...)
	}
	findings = append(findings, faults...)

	res := st.result
	if findings == nil {
		findings = []verdict.Finding{}
	}
	res.Findings = findings
	res.RiskLevel = verdict.Aggregate(findings)
	res.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	return res, nil
}

// formatStage validates the container against filename. If it faults, the
// report stays at its unknown-format default and later stages still run.
func (e *Engine) formatStage(filename string) stage {
	return stage{name: "format", run: func(st *scanState) []verdict.Finding {
		report, findings := e.validate(st.data, filename)
		st.format = report
		st.result.Format = report
		return findings
	}}
}

// guard runs one stage, converting a panic into a fault finding
func (e *Engine) guard(s stage, st *scanState, faults *[]verdict.Finding) (out []verdict.Finding) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("stage", s.name).Interface("panic", r).Msg("Scan stage failed")
			*faults = append(*faults, verdict.Finding{
				Category: verdict.CategoryAdvancedThreat,
				Severity: verdict.SeverityMedium,
				Detail:   s.name + " analysis failed",
			})
			out = nil
		}
	}()
	return s.run(st)
}

func (e *Engine) hashStage(st *scanState) []verdict.Finding {
	digests := hashindex.Compute(st.data, st.tier == rules.TierFull)
	st.result.Hashes = digests

	alg, ok := e.hashes.Lookup(digests)
	if !ok {
		return nil
	}
	return []verdict.Finding{{
		Category: verdict.CategoryMalware,
		Severity: verdict.SeverityCritical,
		RuleName: "hash_reputation",
		Detail:   fmt.Sprintf("%s digest %s is a known-malicious hash", alg, digests.Get(alg)),
	}}
}

func (e *Engine) signatureStage(st *scanState) []verdict.Finding {
	return matcher.Scan(e.rules.ForTier(st.tier), st.data)
}

func (e *Engine) metadataStage(st *scanState) []verdict.Finding {
	summary, findings := e.inspector.Inspect(st.data, st.format.DetectedFormat)
	st.result.Metadata = &summary
	return findings
}

func (e *Engine) entropyStage(st *scanState) []verdict.Finding {
	report, findings := entropy.Analyze(st.data)
	st.result.Entropy = &report.Entropy
	st.result.EntropyDetail = &report
	return findings
}
