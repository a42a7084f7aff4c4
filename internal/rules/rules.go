// Package rules models the declarative signature corpus: rules made of
// literal, byte-sequence and size patterns combined by a condition, split
// into a light and a full tier.
package rules

import (
	"fmt"
	"strings"

	"imgscan-server/internal/verdict"
)

// Tier selects the latency/coverage trade-off of a scan
type Tier string

const (
	TierLight Tier = "light"
	TierFull  Tier = "full"
)

// ParseTier converts a tier name, case-insensitive
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierLight:
		return TierLight, nil
	case TierFull:
		return TierFull, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// PatternKind discriminates the Pattern variants
type PatternKind int

const (
	PatternText PatternKind = iota
	PatternBytes
	PatternFileSize
)

// String returns the kind name
func (k PatternKind) String() string {
	switch k {
	case PatternText:
		return "text"
	case PatternBytes:
		return "hex"
	case PatternFileSize:
		return "file_size"
	default:
		return "unknown"
	}
}

// CompareOp is the operator of a file size predicate
type CompareOp string

const (
	OpGT  CompareOp = ">"
	OpGTE CompareOp = ">="
	OpLT  CompareOp = "<"
	OpLTE CompareOp = "<="
)

// Pattern is one compiled detection primitive
type Pattern struct {
	ID   string
	Kind PatternKind

	// Text holds the literal, ASCII-lowercased when NoCase is set
	Text   []byte
	NoCase bool

	// Bytes and Wildcard have equal length; Wildcard[i] marks a "??" byte
	Bytes    []byte
	Wildcard []bool
	// Anchor is the index of the first non-wildcard byte
	Anchor int

	Op   CompareOp
	Size int64
}

// HasWildcards reports whether a byte pattern contains "??" positions
func (p *Pattern) HasWildcards() bool {
	for _, w := range p.Wildcard {
		if w {
			return true
		}
	}
	return false
}

// EvalSize evaluates a file size predicate
func (p *Pattern) EvalSize(size int64) bool {
	switch p.Op {
	case OpGT:
		return size > p.Size
	case OpGTE:
		return size >= p.Size
	case OpLT:
		return size < p.Size
	case OpLTE:
		return size <= p.Size
	default:
		return false
	}
}

// SignatureRule is one named detector. Immutable after loading.
type SignatureRule struct {
	Name          string
	Description   string
	Severity      verdict.Severity
	Category      verdict.Category
	Tags          []string
	Tier          Tier
	Patterns      []Pattern
	ConditionText string
	Condition     Condition
}

// InTier reports whether the rule runs at the given tier. Light rules run at
// both tiers.
func (r *SignatureRule) InTier(t Tier) bool {
	if t == TierFull {
		return true
	}
	return r.Tier == TierLight
}

// RuleSet is the ordered, immutable rule corpus shared by all scans
type RuleSet struct {
	full   []*SignatureRule
	light  []*SignatureRule
	byName map[string]*SignatureRule
}

func newRuleSet(list []*SignatureRule) *RuleSet {
	rs := &RuleSet{
		full:   list,
		byName: make(map[string]*SignatureRule, len(list)),
	}
	for _, r := range list {
		rs.byName[r.Name] = r
		if r.Tier == TierLight {
			rs.light = append(rs.light, r)
		}
	}
	return rs
}

// ForTier returns the rules evaluated at a tier, in declaration order.
// The light slice is always a subset of the full slice.
func (rs *RuleSet) ForTier(t Tier) []*SignatureRule {
	if t == TierLight {
		return rs.light
	}
	return rs.full
}

// Count returns the number of rules evaluated at a tier
func (rs *RuleSet) Count(t Tier) int {
	return len(rs.ForTier(t))
}

// Lookup finds a rule by name
func (rs *RuleSet) Lookup(name string) (*SignatureRule, bool) {
	r, ok := rs.byName[name]
	return r, ok
}

// categoryTags maps tag prefixes onto categories for rules that declare none
var categoryTags = []struct {
	prefix   string
	category verdict.Category
}{
	{"stego", verdict.CategorySteganography},
	{"network", verdict.CategoryNetworkThreat},
	{"phishing", verdict.CategoryNetworkThreat},
	{"c2", verdict.CategoryNetworkThreat},
	{"xss", verdict.CategoryNetworkThreat},
	{"privacy", verdict.CategoryPrivacy},
	{"gps", verdict.CategoryPrivacy},
	{"polyglot", verdict.CategoryFormatManipulation},
	{"format", verdict.CategoryFormatManipulation},
	{"exploit", verdict.CategoryAdvancedThreat},
	{"apt", verdict.CategoryAdvancedThreat},
	{"cve", verdict.CategoryAdvancedThreat},
}

// inferCategory derives a category from rule tags, defaulting to malware
func inferCategory(tags []string) verdict.Category {
	for _, tag := range tags {
		tag = strings.ToLower(tag)
		for _, ct := range categoryTags {
			if strings.HasPrefix(tag, ct.prefix) {
				return ct.category
			}
		}
	}
	return verdict.CategoryMalware
}
