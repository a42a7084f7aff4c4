// Package matcher evaluates compiled signature rules against a payload.
package matcher

import (
	"bytes"
	"fmt"
	"strings"

	"imgscan-server/internal/rules"
	"imgscan-server/internal/verdict"
)

// Hit is one satisfied rule with the pattern ids that matched
type Hit struct {
	Rule     *rules.SignatureRule
	Patterns []string
}

// subject is the per-scan view of the payload. The lowercased copy is built
// on first use by a case-insensitive pattern.
type subject struct {
	data  []byte
	lower []byte
	size  int64
}

func (s *subject) folded() []byte {
	if s.lower == nil {
		s.lower = rules.ASCIILower(s.data)
	}
	return s.lower
}

// Match evaluates rules in declaration order and returns one hit per
// satisfied rule
func Match(list []*rules.SignatureRule, data []byte) []Hit {
	s := &subject{data: data, size: int64(len(data))}

	var hits []Hit
	for _, rule := range list {
		results := make([]bool, len(rule.Patterns))
		for i := range rule.Patterns {
			results[i] = evalPattern(&rule.Patterns[i], s)
		}
		if !rule.Condition.Eval(results) {
			continue
		}

		matched := make([]string, 0, len(results))
		for i, ok := range results {
			if ok {
				matched = append(matched, "$"+rule.Patterns[i].ID)
			}
		}
		hits = append(hits, Hit{Rule: rule, Patterns: matched})
	}
	return hits
}

// Findings converts hits into findings carrying each rule's severity and category
func Findings(hits []Hit) []verdict.Finding {
	out := make([]verdict.Finding, 0, len(hits))
	for _, h := range hits {
		detail := h.Rule.Description
		if detail == "" {
			detail = fmt.Sprintf("signature %s matched", h.Rule.Name)
		}
		if len(h.Patterns) > 0 {
			detail = fmt.Sprintf("%s (matched %s)", detail, strings.Join(h.Patterns, ", "))
		}
		out = append(out, verdict.Finding{
			Category: h.Rule.Category,
			Severity: h.Rule.Severity,
			RuleName: h.Rule.Name,
			Detail:   detail,
		})
	}
	return out
}

// Scan is Match followed by Findings
func Scan(list []*rules.SignatureRule, data []byte) []verdict.Finding {
	return Findings(Match(list, data))
}

func evalPattern(p *rules.Pattern, s *subject) bool {
	switch p.Kind {
	case rules.PatternText:
		if p.NoCase {
			return bytes.Contains(s.folded(), p.Text)
		}
		return bytes.Contains(s.data, p.Text)
	case rules.PatternBytes:
		if !p.HasWildcards() {
			return bytes.Contains(s.data, p.Bytes)
		}
		return IndexMasked(s.data, p.Bytes, p.Wildcard, p.Anchor) >= 0
	case rules.PatternFileSize:
		return p.EvalSize(s.size)
	default:
		return false
	}
}

// IndexMasked returns the first offset where pattern matches data, treating
// wildcard positions as matching any byte. anchor is the index of a fixed
// byte used to jump between candidates.
func IndexMasked(data, pattern []byte, wildcard []bool, anchor int) int {
	n := len(pattern)
	if n == 0 || n > len(data) {
		return -1
	}

	key := pattern[anchor]
	from := anchor
	for from < len(data) {
		i := bytes.IndexByte(data[from:], key)
		if i < 0 {
			return -1
		}
		at := from + i - anchor
		if at+n > len(data) {
			return -1
		}
		if maskedEqual(data[at:at+n], pattern, wildcard) {
			return at
		}
		from += i + 1
	}
	return -1
}

func maskedEqual(window, pattern []byte, wildcard []bool) bool {
	for i := range pattern {
		if !wildcard[i] && window[i] != pattern[i] {
			return false
		}
	}
	return true
}
