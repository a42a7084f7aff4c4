// Package verdict holds the finding taxonomy and the risk reduction shared by
// every analyzer.
package verdict

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the ordinal weight of a single finding
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase name of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a declared severity name
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the severity by name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category groups findings by threat class
type Category string

const (
	CategoryMalware            Category = "malware"
	CategorySteganography      Category = "steganography"
	CategoryNetworkThreat      Category = "network_threat"
	CategoryPrivacy            Category = "privacy"
	CategoryFormatManipulation Category = "format_manipulation"
	CategoryAdvancedThreat     Category = "advanced_threat"
)

// AllCategories returns all finding categories
func AllCategories() []Category {
	return []Category{
		CategoryMalware,
		CategorySteganography,
		CategoryNetworkThreat,
		CategoryPrivacy,
		CategoryFormatManipulation,
		CategoryAdvancedThreat,
	}
}

// ParseCategory validates a declared category name
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Finding is one detected issue
type Finding struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	RuleName string   `json:"rule_name,omitempty"`
	Detail   string   `json:"detail"`
}

// RiskLevel is the five-point verdict of a scan
type RiskLevel int

const (
	RiskClean RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the uppercase name of the risk level
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "CLEAN"
	}
}

// ParseRiskLevel converts a risk level name, case-insensitive
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLEAN":
		return RiskClean, nil
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	default:
		return RiskClean, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalJSON encodes the risk level by name
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a risk level name
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// levelFor maps a finding severity onto the risk scale
func levelFor(s Severity) RiskLevel {
	switch s {
	case SeverityCritical:
		return RiskCritical
	case SeverityHigh:
		return RiskHigh
	case SeverityMedium:
		return RiskMedium
	case SeverityLow:
		return RiskLow
	default:
		return RiskClean
	}
}

// Aggregate reduces findings to the risk level of the worst severity.
// The count of findings never escalates the level.
func Aggregate(findings []Finding) RiskLevel {
	level := RiskClean
	for _, f := range findings {
		if l := levelFor(f.Severity); l > level {
			level = l
			if level == RiskCritical {
				break
			}
		}
	}
	return level
}

// CountBySeverity tallies findings per severity name
func CountBySeverity(findings []Finding) map[string]int {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.Severity.String()]++
	}
	return counts
}
